package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
)

// ContactEventStore keeps contact timestamps in the contact_events table.
// Writers for one debtor and case serialize on a transaction-scoped advisory
// lock, which makes the capped append atomic across processes.
type ContactEventStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ compliance.ContactEventStore = (*ContactEventStore)(nil)

func NewContactEventStore(db *pgxpool.Pool, logger *zap.Logger) *ContactEventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContactEventStore{db: db, logger: logger.Named("pg_contacts")}
}

func (s *ContactEventStore) Append(ctx context.Context, key compliance.ContactKey, at time.Time, purgeBefore time.Time) error {
	_, err := s.append(ctx, key, at, time.Time{}, -1, purgeBefore)
	return err
}

func (s *ContactEventStore) After(ctx context.Context, key compliance.ContactKey, after time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(ctx, `
		SELECT at FROM contact_events
		WHERE debtor_id = $1 AND case_id = $2 AND at > $3
		ORDER BY at`,
		key.DebtorID, key.CaseID, after.UTC())
	if err != nil {
		s.logger.Error("contact range failed", zap.String("key", key.String()), zap.Error(err))
		return nil, fmt.Errorf("contact range failed: %w", err)
	}
	defer rows.Close()

	out := make([]time.Time, 0)
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("contact scan failed: %w", err)
		}
		out = append(out, at.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact range failed: %w", err)
	}
	return out, nil
}

func (s *ContactEventStore) AppendIfBelow(ctx context.Context, key compliance.ContactKey, at, after time.Time, limit int, purgeBefore time.Time) (bool, error) {
	added, err := s.append(ctx, key, at, after, limit, purgeBefore)
	if err != nil {
		return false, err
	}
	if !added {
		s.logger.Debug("contact cap reached",
			zap.String("key", key.String()),
			zap.Int("limit", limit))
	}
	return added, nil
}

// append purges, optionally checks the cap when limit >= 0, and inserts, all
// in one transaction under the key's advisory lock
func (s *ContactEventStore) append(ctx context.Context, key compliance.ContactKey, at, after time.Time, limit int, purgeBefore time.Time) (bool, error) {
	added := false
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key.String()); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		if !purgeBefore.IsZero() {
			if _, err := tx.Exec(ctx,
				"DELETE FROM contact_events WHERE debtor_id = $1 AND case_id = $2 AND at < $3",
				key.DebtorID, key.CaseID, purgeBefore.UTC()); err != nil {
				return fmt.Errorf("purge: %w", err)
			}
		}

		if limit >= 0 {
			var used int
			if err := tx.QueryRow(ctx,
				"SELECT COUNT(*) FROM contact_events WHERE debtor_id = $1 AND case_id = $2 AND at > $3",
				key.DebtorID, key.CaseID, after.UTC()).Scan(&used); err != nil {
				return fmt.Errorf("count: %w", err)
			}
			if used >= limit {
				return nil
			}
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO contact_events (debtor_id, case_id, at) VALUES ($1, $2, $3)",
			key.DebtorID, key.CaseID, at.UTC()); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		added = true
		return nil
	})
	if err != nil {
		s.logger.Error("contact append failed",
			zap.String("key", key.String()),
			zap.Int("limit", limit),
			zap.Error(err))
		return false, fmt.Errorf("contact append failed: %w", err)
	}
	return added, nil
}
