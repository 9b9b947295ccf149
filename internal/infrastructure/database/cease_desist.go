package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
)

type CeaseDesistStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ compliance.CeaseDesistStore = (*CeaseDesistStore)(nil)

func NewCeaseDesistStore(db *pgxpool.Pool, logger *zap.Logger) *CeaseDesistStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CeaseDesistStore{db: db, logger: logger.Named("pg_cease_desist")}
}

func (s *CeaseDesistStore) Get(ctx context.Context, caseID string) (*compliance.CeaseDesistRecord, error) {
	query := `
		SELECT case_id, debtor_id, active, requested_at, request_method, notes,
			acknowledged_at, acknowledged_by, lifted_at, lifted_by, lift_reason
		FROM cease_desist_records
		WHERE case_id = $1`

	var (
		r      compliance.CeaseDesistRecord
		method string
	)
	err := s.db.QueryRow(ctx, query, caseID).Scan(
		&r.CaseID,
		&r.DebtorID,
		&r.Active,
		&r.RequestedAt,
		&method,
		&r.Notes,
		&r.AcknowledgedAt,
		&r.AcknowledgedBy,
		&r.LiftedAt,
		&r.LiftedBy,
		&r.LiftReason,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError("cease-desist record")
		}
		s.logger.Error("cease-desist get failed", zap.String("case_id", caseID), zap.Error(err))
		return nil, errors.NewInternalError("failed to load cease-desist record").WithCause(err)
	}

	r.RequestMethod = compliance.RequestMethod(method)
	r.RequestedAt = r.RequestedAt.UTC()
	r.AcknowledgedAt = utcPtr(r.AcknowledgedAt)
	r.LiftedAt = utcPtr(r.LiftedAt)
	return &r, nil
}

func (s *CeaseDesistStore) Put(ctx context.Context, record *compliance.CeaseDesistRecord) error {
	query := `
		INSERT INTO cease_desist_records (
			case_id, debtor_id, active, requested_at, request_method, notes,
			acknowledged_at, acknowledged_by, lifted_at, lifted_by, lift_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (case_id) DO UPDATE SET
			debtor_id = EXCLUDED.debtor_id,
			active = EXCLUDED.active,
			requested_at = EXCLUDED.requested_at,
			request_method = EXCLUDED.request_method,
			notes = EXCLUDED.notes,
			acknowledged_at = EXCLUDED.acknowledged_at,
			acknowledged_by = EXCLUDED.acknowledged_by,
			lifted_at = EXCLUDED.lifted_at,
			lifted_by = EXCLUDED.lifted_by,
			lift_reason = EXCLUDED.lift_reason,
			updated_at = NOW()`

	_, err := s.db.Exec(ctx, query,
		record.CaseID,
		record.DebtorID,
		record.Active,
		record.RequestedAt.UTC(),
		string(record.RequestMethod),
		record.Notes,
		record.AcknowledgedAt,
		record.AcknowledgedBy,
		record.LiftedAt,
		record.LiftedBy,
		record.LiftReason,
	)
	if err != nil {
		s.logger.Error("cease-desist put failed", zap.String("case_id", record.CaseID), zap.Error(err))
		return errors.NewInternalError("failed to store cease-desist record").WithCause(err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
