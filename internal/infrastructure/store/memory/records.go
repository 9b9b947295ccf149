package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
)

// RecordStore is an append-only in-memory communication log. Records are
// cloned on the way in and out, so stored entries cannot be mutated.
type RecordStore struct {
	mu      sync.RWMutex
	records []*compliance.CommunicationRecord
	byID    map[uuid.UUID]*compliance.CommunicationRecord
}

var _ compliance.RecordStore = (*RecordStore)(nil)

func NewRecordStore() *RecordStore {
	return &RecordStore{byID: make(map[uuid.UUID]*compliance.CommunicationRecord)}
}

func (s *RecordStore) Append(ctx context.Context, record *compliance.CommunicationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[record.ID]; exists {
		return errors.NewConflictError("communication record " + record.ID.String() + " already exists")
	}
	stored := record.Clone()
	s.records = append(s.records, stored)
	s.byID[stored.ID] = stored
	return nil
}

func (s *RecordStore) Get(ctx context.Context, id uuid.UUID) (*compliance.CommunicationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, errors.NewNotFoundError("communication record")
	}
	return rec.Clone(), nil
}

func (s *RecordStore) List(ctx context.Context, filter compliance.RecordFilter) ([]*compliance.CommunicationRecord, error) {
	s.mu.RLock()
	out := make([]*compliance.CommunicationRecord, 0)
	for _, rec := range s.records {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
