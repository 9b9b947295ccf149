package audit

import (
	"context"
	"time"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
)

// FlagCounts splits flags by severity
type FlagCounts struct {
	Warning   int `json:"warning"`
	Violation int `json:"violation"`
}

func (c *FlagCounts) add(flag *compliance.ComplianceFlag) {
	if flag.Severity == compliance.SeverityViolation {
		c.Violation++
	} else {
		c.Warning++
	}
}

// Summary is the compliance picture of one case
type Summary struct {
	CaseID          string                        `json:"case_id"`
	TotalRecords    int                           `json:"total_records"`
	ByDirection     map[compliance.Direction]int  `json:"by_direction"`
	ByChannel       map[compliance.Channel]int    `json:"by_channel"`
	BlockedAttempts int                           `json:"blocked_attempts"`
	NonCompliant    int                           `json:"non_compliant"`
	Corrections     int                           `json:"corrections"`
	OpenFlags       FlagCounts                    `json:"open_flags"`
	ResolvedFlags   FlagCounts                    `json:"resolved_flags"`
	Frequency       *compliance.FrequencyResult   `json:"frequency,omitempty"`
	CeaseDesist     *compliance.CeaseDesistStatus `json:"cease_desist"`
	LastOutbound    *time.Time                    `json:"last_outbound,omitempty"`
	GeneratedAt     time.Time                     `json:"generated_at"`
}

// Summary aggregates the records and flags of a case with its current
// frequency usage and cease-and-desist status. Frequency usage is reported
// for the debtor of the most recent record and is omitted for a case with
// no records.
func (s *Service) Summary(ctx context.Context, caseID string) (*Summary, error) {
	if caseID == "" {
		return nil, errors.NewValidationError("MISSING_CASE_ID", "case id is required")
	}

	records, err := s.records.List(ctx, compliance.RecordFilter{CaseID: caseID})
	if err != nil {
		return nil, errors.NewInternalError("failed to list records").WithCause(err)
	}
	flags, err := s.flags.List(ctx, compliance.FlagFilter{CaseID: caseID})
	if err != nil {
		return nil, errors.NewInternalError("failed to list flags").WithCause(err)
	}

	sum := &Summary{
		CaseID:       caseID,
		TotalRecords: len(records),
		ByDirection:  map[compliance.Direction]int{},
		ByChannel:    map[compliance.Channel]int{},
		GeneratedAt:  s.clock.Now(),
	}

	for _, r := range records {
		sum.ByDirection[r.Direction]++
		sum.ByChannel[r.Channel]++
		if r.Blocked {
			sum.BlockedAttempts++
		}
		if !r.Compliant() {
			sum.NonCompliant++
		}
		if r.CorrectsID != nil {
			sum.Corrections++
		}
		if r.Direction == compliance.DirectionOutbound && !r.Blocked && r.CorrectsID == nil {
			ts := r.Timestamp
			if sum.LastOutbound == nil || ts.After(*sum.LastOutbound) {
				sum.LastOutbound = &ts
			}
		}
	}

	for _, f := range flags {
		if f.Resolved {
			sum.ResolvedFlags.add(f)
		} else {
			sum.OpenFlags.add(f)
		}
	}

	if len(records) > 0 {
		latest := records[len(records)-1]
		sum.Frequency, err = s.tracker.CheckLimit(ctx, latest.DebtorID, caseID, s.gate.LimitFor(""))
		if err != nil {
			return nil, err
		}
	}

	if sum.CeaseDesist, err = s.ceaseDesist.Check(ctx, caseID); err != nil {
		return nil, err
	}
	return sum, nil
}
