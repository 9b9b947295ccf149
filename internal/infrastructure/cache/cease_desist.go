package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
)

// CeaseDesistStore keeps one JSON document per case. Records never expire:
// a lifted request stays on file with Active cleared.
type CeaseDesistStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

var _ compliance.CeaseDesistStore = (*CeaseDesistStore)(nil)

func NewCeaseDesistStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *CeaseDesistStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CeaseDesistStore{
		client: client,
		prefix: keyPrefix + ceaseDesistSegment,
		logger: logger.Named("redis_cease_desist"),
	}
}

func (s *CeaseDesistStore) Get(ctx context.Context, caseID string) (*compliance.CeaseDesistRecord, error) {
	var record compliance.CeaseDesistRecord
	found, err := getJSON(ctx, s.client, s.prefix+caseID, &record)
	if err != nil {
		s.logger.Error("cease-desist get failed", zap.String("case_id", caseID), zap.Error(err))
		return nil, errors.NewInternalError("failed to load cease-desist record").WithCause(err)
	}
	if !found {
		return nil, errors.NewNotFoundError("cease-desist record")
	}
	return &record, nil
}

func (s *CeaseDesistStore) Put(ctx context.Context, record *compliance.CeaseDesistRecord) error {
	if err := setJSON(ctx, s.client, s.prefix+record.CaseID, record); err != nil {
		s.logger.Error("cease-desist put failed", zap.String("case_id", record.CaseID), zap.Error(err))
		return errors.NewInternalError("failed to store cease-desist record").WithCause(err)
	}
	return nil
}
