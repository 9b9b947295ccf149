package memory

import (
	"context"
	"sync"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
)

type CeaseDesistStore struct {
	mu      sync.RWMutex
	records map[string]*compliance.CeaseDesistRecord
}

var _ compliance.CeaseDesistStore = (*CeaseDesistStore)(nil)

func NewCeaseDesistStore() *CeaseDesistStore {
	return &CeaseDesistStore{records: make(map[string]*compliance.CeaseDesistRecord)}
}

func (s *CeaseDesistStore) Get(ctx context.Context, caseID string) (*compliance.CeaseDesistRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[caseID]
	if !ok {
		return nil, errors.NewNotFoundError("cease-desist record")
	}
	return rec.Clone(), nil
}

func (s *CeaseDesistStore) Put(ctx context.Context, record *compliance.CeaseDesistRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.CaseID] = record.Clone()
	return nil
}
