package querybuilder

import (
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
)

// RecordColumns is the column list scanned by the record stores
var RecordColumns = []string{
	"id", "case_id", "debtor_id", "creditor_id", "direction", "channel",
	"communication_type", "timestamp", "content", "tone_score",
	"compliance_issues", "blocked", "block_reason", "corrects_id", "recorded_by",
}

// FlagColumns is the column list scanned by the flag stores
var FlagColumns = []string{
	"id", "case_id", "message_id", "flag_type", "severity", "details",
	"resolved", "resolution_notes", "resolved_by", "created_at", "resolved_at",
}

// RecordQuery translates a record filter into a timestamp-ordered SELECT.
// Ties on timestamp fall back to the insertion sequence.
func RecordQuery(filter compliance.RecordFilter) *Select {
	return From("communication_records", RecordColumns...).
		EqIf("case_id", filter.CaseID).
		EqIf("debtor_id", filter.DebtorID).
		EqIf("direction", string(filter.Direction)).
		EqIf("channel", string(filter.Channel)).
		Within("timestamp", filter.Since, filter.Until).
		OrderBy("timestamp", "seq").
		Limit(filter.Limit)
}

// FlagQuery translates a flag filter into a creation-ordered SELECT
func FlagQuery(filter compliance.FlagFilter) *Select {
	q := From("compliance_flags", FlagColumns...).
		EqIf("case_id", filter.CaseID)
	if filter.MessageID != nil {
		q.Where("message_id", Eq, *filter.MessageID)
	}
	q.EqIf("flag_type", string(filter.FlagType)).
		EqIf("severity", string(filter.Severity))
	if filter.Resolved != nil {
		q.Where("resolved", Eq, *filter.Resolved)
	}
	return q.Within("created_at", filter.Since, filter.Until).
		OrderBy("created_at", "seq")
}
