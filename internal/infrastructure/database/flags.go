package database

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/querybuilder"
)

type FlagStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ compliance.FlagStore = (*FlagStore)(nil)

func NewFlagStore(db *pgxpool.Pool, logger *zap.Logger) *FlagStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlagStore{db: db, logger: logger.Named("pg_flags")}
}

func (s *FlagStore) Create(ctx context.Context, flag *compliance.ComplianceFlag) error {
	query := `
		INSERT INTO compliance_flags (
			id, case_id, message_id, flag_type, severity, details,
			resolved, resolution_notes, resolved_by, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.Exec(ctx, query,
		flag.ID,
		flag.CaseID,
		flag.MessageID,
		string(flag.FlagType),
		string(flag.Severity),
		flag.Details,
		flag.Resolved,
		flag.ResolutionNotes,
		flag.ResolvedBy,
		flag.CreatedAt.UTC(),
		flag.ResolvedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errors.NewConflictError("compliance flag " + flag.ID.String() + " already exists")
		}
		s.logger.Error("flag create failed", zap.String("case_id", flag.CaseID), zap.Error(err))
		return errors.NewInternalError("failed to store compliance flag").WithCause(err)
	}
	return nil
}

func (s *FlagStore) Get(ctx context.Context, id uuid.UUID) (*compliance.ComplianceFlag, error) {
	query := "SELECT " + strings.Join(querybuilder.FlagColumns, ", ") +
		" FROM compliance_flags WHERE id = $1"

	flag, err := scanFlag(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError("compliance flag")
		}
		return nil, errors.NewInternalError("failed to load compliance flag").WithCause(err)
	}
	return flag, nil
}

// Resolve updates only open flags, so two concurrent resolutions cannot both
// report a change.
func (s *FlagStore) Resolve(ctx context.Context, id uuid.UUID, notes, by string, at time.Time) (*compliance.ComplianceFlag, bool, error) {
	query := `
		UPDATE compliance_flags
		SET resolved = TRUE, resolution_notes = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $1 AND NOT resolved
		RETURNING ` + strings.Join(querybuilder.FlagColumns, ", ")

	flag, err := scanFlag(s.db.QueryRow(ctx, query, id, notes, by, at.UTC()))
	if err == nil {
		return flag, true, nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		s.logger.Error("flag resolve failed", zap.String("flag_id", id.String()), zap.Error(err))
		return nil, false, errors.NewInternalError("failed to resolve compliance flag").WithCause(err)
	}

	// unknown or already resolved
	flag, err = s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return flag, false, nil
}

func (s *FlagStore) List(ctx context.Context, filter compliance.FlagFilter) ([]*compliance.ComplianceFlag, error) {
	query, args, err := querybuilder.FlagQuery(filter).Build()
	if err != nil {
		return nil, errors.NewInternalError("failed to build flag query").WithCause(err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		s.logger.Error("flag list failed", zap.String("case_id", filter.CaseID), zap.Error(err))
		return nil, errors.NewInternalError("failed to list compliance flags").WithCause(err)
	}
	defer rows.Close()

	out := make([]*compliance.ComplianceFlag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan compliance flag").WithCause(err)
		}
		out = append(out, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to list compliance flags").WithCause(err)
	}
	return out, nil
}

func scanFlag(row rowScanner) (*compliance.ComplianceFlag, error) {
	var (
		f        compliance.ComplianceFlag
		flagType string
		severity string
	)

	err := row.Scan(
		&f.ID,
		&f.CaseID,
		&f.MessageID,
		&flagType,
		&severity,
		&f.Details,
		&f.Resolved,
		&f.ResolutionNotes,
		&f.ResolvedBy,
		&f.CreatedAt,
		&f.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	f.FlagType = compliance.IssueType(flagType)
	f.Severity = compliance.Severity(severity)
	f.CreatedAt = f.CreatedAt.UTC()
	if f.ResolvedAt != nil {
		t := f.ResolvedAt.UTC()
		f.ResolvedAt = &t
	}
	return &f, nil
}
