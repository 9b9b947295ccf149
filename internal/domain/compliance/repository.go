package compliance

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ContactKey scopes contact events to one debtor and case
type ContactKey struct {
	DebtorID string
	CaseID   string
}

// String renders the key as "<len(debtor)>:<debtor>:<case>". The length
// prefix keeps IDs that contain colons from colliding, e.g. "a:b"/"c" and
// "a"/"b:c".
func (k ContactKey) String() string {
	return strconv.Itoa(len(k.DebtorID)) + ":" + k.DebtorID + ":" + k.CaseID
}

// ContactEventStore persists the timestamps of counted outbound contacts.
// Timestamps returned by After are in ascending order. Implementations may
// truncate timestamps to millisecond precision.
type ContactEventStore interface {
	// Append stores a contact and drops events older than purgeBefore
	Append(ctx context.Context, key ContactKey, at time.Time, purgeBefore time.Time) error

	// After returns all stored contacts strictly after the given instant
	After(ctx context.Context, key ContactKey, after time.Time) ([]time.Time, error)

	// AppendIfBelow atomically counts contacts strictly after the given
	// instant and appends at only when the count is below limit. It reports
	// whether it appended.
	AppendIfBelow(ctx context.Context, key ContactKey, at, after time.Time, limit int, purgeBefore time.Time) (bool, error)
}

// CeaseDesistStore persists one cease-and-desist record per case
type CeaseDesistStore interface {
	// Get returns a NotFound AppError when the case has no record
	Get(ctx context.Context, caseID string) (*CeaseDesistRecord, error)

	// Put creates or replaces the record for record.CaseID
	Put(ctx context.Context, record *CeaseDesistRecord) error
}

// RecordFilter narrows communication record queries. Zero fields match everything.
type RecordFilter struct {
	CaseID    string
	DebtorID  string
	Direction Direction
	Channel   Channel
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// Matches reports whether r passes every set criterion
func (f RecordFilter) Matches(r *CommunicationRecord) bool {
	if f.CaseID != "" && r.CaseID != f.CaseID {
		return false
	}
	if f.DebtorID != "" && r.DebtorID != f.DebtorID {
		return false
	}
	if f.Direction != "" && r.Direction != f.Direction {
		return false
	}
	if f.Channel != "" && r.Channel != f.Channel {
		return false
	}
	if f.Since != nil && r.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// RecordStore is an append-only store of communication records
type RecordStore interface {
	Append(ctx context.Context, record *CommunicationRecord) error

	// Get returns a NotFound AppError for unknown ids
	Get(ctx context.Context, id uuid.UUID) (*CommunicationRecord, error)

	// List returns matching records ordered by timestamp ascending
	List(ctx context.Context, filter RecordFilter) ([]*CommunicationRecord, error)
}

// FlagFilter narrows flag queries. Zero fields match everything.
type FlagFilter struct {
	CaseID    string
	MessageID *uuid.UUID
	FlagType  IssueType
	Severity  Severity
	Resolved  *bool
	Since     *time.Time
	Until     *time.Time
}

func (f FlagFilter) Matches(flag *ComplianceFlag) bool {
	if f.CaseID != "" && flag.CaseID != f.CaseID {
		return false
	}
	if f.MessageID != nil && (flag.MessageID == nil || *flag.MessageID != *f.MessageID) {
		return false
	}
	if f.FlagType != "" && flag.FlagType != f.FlagType {
		return false
	}
	if f.Severity != "" && flag.Severity != f.Severity {
		return false
	}
	if f.Resolved != nil && flag.Resolved != *f.Resolved {
		return false
	}
	if f.Since != nil && flag.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && flag.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

// FlagStore persists compliance flags
type FlagStore interface {
	Create(ctx context.Context, flag *ComplianceFlag) error

	// Get returns a NotFound AppError for unknown ids
	Get(ctx context.Context, id uuid.UUID) (*ComplianceFlag, error)

	// Resolve atomically resolves an open flag. For an already resolved flag it
	// returns the stored flag unchanged with changed=false.
	Resolve(ctx context.Context, id uuid.UUID, notes, by string, at time.Time) (flag *ComplianceFlag, changed bool, err error)

	// List returns matching flags ordered by creation time ascending
	List(ctx context.Context, filter FlagFilter) ([]*ComplianceFlag, error)
}
