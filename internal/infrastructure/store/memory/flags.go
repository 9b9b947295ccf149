package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
)

type FlagStore struct {
	mu    sync.RWMutex
	flags map[uuid.UUID]*compliance.ComplianceFlag
	order []uuid.UUID
}

var _ compliance.FlagStore = (*FlagStore)(nil)

func NewFlagStore() *FlagStore {
	return &FlagStore{flags: make(map[uuid.UUID]*compliance.ComplianceFlag)}
}

func (s *FlagStore) Create(ctx context.Context, flag *compliance.ComplianceFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flags[flag.ID]; exists {
		return errors.NewConflictError("compliance flag " + flag.ID.String() + " already exists")
	}
	s.flags[flag.ID] = flag.Clone()
	s.order = append(s.order, flag.ID)
	return nil
}

func (s *FlagStore) Get(ctx context.Context, id uuid.UUID) (*compliance.ComplianceFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flag, ok := s.flags[id]
	if !ok {
		return nil, errors.NewNotFoundError("compliance flag")
	}
	return flag.Clone(), nil
}

func (s *FlagStore) Resolve(ctx context.Context, id uuid.UUID, notes, by string, at time.Time) (*compliance.ComplianceFlag, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[id]
	if !ok {
		return nil, false, errors.NewNotFoundError("compliance flag")
	}
	changed := flag.Resolve(notes, by, at)
	return flag.Clone(), changed, nil
}

func (s *FlagStore) List(ctx context.Context, filter compliance.FlagFilter) ([]*compliance.ComplianceFlag, error) {
	s.mu.RLock()
	out := make([]*compliance.ComplianceFlag, 0)
	for _, id := range s.order {
		if flag := s.flags[id]; filter.Matches(flag) {
			out = append(out, flag.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
