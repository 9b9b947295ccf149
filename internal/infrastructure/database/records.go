package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/querybuilder"
)

const uniqueViolation = "23505"

// rowScanner is satisfied by pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// RecordStore persists communication records. The table rejects updates and
// deletes, so the log stays append-only even outside this store. Timestamps
// are kept at microsecond precision.
type RecordStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ compliance.RecordStore = (*RecordStore)(nil)

func NewRecordStore(db *pgxpool.Pool, logger *zap.Logger) *RecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{db: db, logger: logger.Named("pg_records")}
}

func (s *RecordStore) Append(ctx context.Context, record *compliance.CommunicationRecord) error {
	issues := record.ComplianceIssues
	if issues == nil {
		issues = []compliance.ComplianceIssue{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return errors.NewInternalError("failed to marshal compliance issues").WithCause(err)
	}

	query := `
		INSERT INTO communication_records (
			id, case_id, debtor_id, creditor_id, direction, channel,
			communication_type, timestamp, content, tone_score,
			compliance_issues, blocked, block_reason, corrects_id, recorded_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)`

	_, err = s.db.Exec(ctx, query,
		record.ID,
		record.CaseID,
		record.DebtorID,
		record.CreditorID,
		string(record.Direction),
		string(record.Channel),
		string(record.CommunicationType),
		record.Timestamp.UTC(),
		record.Content,
		record.ToneScore,
		issuesJSON,
		record.Blocked,
		record.BlockReason,
		record.CorrectsID,
		record.RecordedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errors.NewConflictError("communication record " + record.ID.String() + " already exists")
		}
		s.logger.Error("record append failed", zap.String("case_id", record.CaseID), zap.Error(err))
		return errors.NewInternalError("failed to store communication record").WithCause(err)
	}
	return nil
}

func (s *RecordStore) Get(ctx context.Context, id uuid.UUID) (*compliance.CommunicationRecord, error) {
	query := "SELECT " + strings.Join(querybuilder.RecordColumns, ", ") +
		" FROM communication_records WHERE id = $1"

	record, err := scanRecord(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError("communication record")
		}
		return nil, errors.NewInternalError("failed to load communication record").WithCause(err)
	}
	return record, nil
}

func (s *RecordStore) List(ctx context.Context, filter compliance.RecordFilter) ([]*compliance.CommunicationRecord, error) {
	query, args, err := querybuilder.RecordQuery(filter).Build()
	if err != nil {
		return nil, errors.NewInternalError("failed to build record query").WithCause(err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		s.logger.Error("record list failed", zap.String("case_id", filter.CaseID), zap.Error(err))
		return nil, errors.NewInternalError("failed to list communication records").WithCause(err)
	}
	defer rows.Close()

	out := make([]*compliance.CommunicationRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan communication record").WithCause(err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to list communication records").WithCause(err)
	}
	return out, nil
}

func scanRecord(row rowScanner) (*compliance.CommunicationRecord, error) {
	var (
		r          compliance.CommunicationRecord
		direction  string
		channel    string
		commType   string
		issuesJSON []byte
	)

	err := row.Scan(
		&r.ID,
		&r.CaseID,
		&r.DebtorID,
		&r.CreditorID,
		&direction,
		&channel,
		&commType,
		&r.Timestamp,
		&r.Content,
		&r.ToneScore,
		&issuesJSON,
		&r.Blocked,
		&r.BlockReason,
		&r.CorrectsID,
		&r.RecordedBy,
	)
	if err != nil {
		return nil, err
	}

	r.Direction = compliance.Direction(direction)
	r.Channel = compliance.Channel(channel)
	r.CommunicationType = compliance.CommunicationType(commType)
	r.Timestamp = r.Timestamp.UTC()

	r.ComplianceIssues = []compliance.ComplianceIssue{}
	if len(issuesJSON) > 0 {
		if err := json.Unmarshal(issuesJSON, &r.ComplianceIssues); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
