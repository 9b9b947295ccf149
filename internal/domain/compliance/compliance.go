package compliance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Channel string

const (
	ChannelPhone  Channel = "phone"
	ChannelSMS    Channel = "sms"
	ChannelEmail  Channel = "email"
	ChannelLetter Channel = "letter"
	ChannelPortal Channel = "portal"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelPhone, ChannelSMS, ChannelEmail, ChannelLetter, ChannelPortal:
		return true
	default:
		return false
	}
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// CommunicationType classifies the purpose of an outbound communication.
// Only a few types survive an active cease-and-desist.
type CommunicationType string

const (
	CommTypeCollection          CommunicationType = "collection"
	CommTypePaymentReminder     CommunicationType = "payment_reminder"
	CommTypeSettlementOffer     CommunicationType = "settlement_offer"
	CommTypeValidationNotice    CommunicationType = "validation_notice"
	CommTypeCeaseAcknowledgment CommunicationType = "cease_acknowledgment"
	CommTypeLawsuitNotice       CommunicationType = "lawsuit_notice"
	CommTypeRemedyNotice        CommunicationType = "specific_remedy_notice"
)

// CommunicationTypes lists every known communication type
func CommunicationTypes() []CommunicationType {
	return []CommunicationType{
		CommTypeCollection,
		CommTypePaymentReminder,
		CommTypeSettlementOffer,
		CommTypeValidationNotice,
		CommTypeCeaseAcknowledgment,
		CommTypeLawsuitNotice,
		CommTypeRemedyNotice,
	}
}

func (t CommunicationType) Valid() bool {
	for _, known := range CommunicationTypes() {
		if t == known {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityViolation Severity = "violation"
)

type IssueType string

const (
	IssueCeaseDesistActive     IssueType = "cease_desist_active"
	IssueOutsideHours          IssueType = "outside_permitted_hours"
	IssueTimezoneIndeterminate IssueType = "timezone_indeterminate"
	IssueFrequencyExceeded     IssueType = "frequency_limit_exceeded"
	IssueFrequencyApproaching  IssueType = "frequency_limit_approaching"
)

// Regulatory citations attached to issues
const (
	SectionCeaseDesist = "15 U.S.C. 1692c(c)"
	SectionTimeOfDay   = "15 U.S.C. 1692c(a)(1)"
	SectionFrequency   = "12 CFR 1006.14(b)(2)"
)

// ComplianceIssue is one finding of a pre-send evaluation
type ComplianceIssue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Section     string    `json:"section"`
}

// CommunicationRecord is an immutable entry in the audit trail.
type CommunicationRecord struct {
	ID                uuid.UUID         `json:"id"`
	CaseID            string            `json:"case_id"`
	DebtorID          string            `json:"debtor_id"`
	CreditorID        string            `json:"creditor_id,omitempty"`
	Direction         Direction         `json:"direction"`
	Channel           Channel           `json:"channel"`
	CommunicationType CommunicationType `json:"communication_type,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	Content           string            `json:"content,omitempty"`
	ToneScore         *float64          `json:"tone_score,omitempty"`
	ComplianceIssues  []ComplianceIssue `json:"compliance_issues"`
	Blocked           bool              `json:"blocked"`
	BlockReason       string            `json:"block_reason,omitempty"`
	CorrectsID        *uuid.UUID        `json:"corrects_id,omitempty"`
	RecordedBy        string            `json:"recorded_by,omitempty"`
}

// Compliant reports whether no violation-level issue was found at send time
func (r *CommunicationRecord) Compliant() bool {
	return !HasViolation(r.ComplianceIssues)
}

// Clone returns a deep copy so callers can never mutate a stored record
func (r *CommunicationRecord) Clone() *CommunicationRecord {
	c := *r
	c.ComplianceIssues = append([]ComplianceIssue(nil), r.ComplianceIssues...)
	if c.ComplianceIssues == nil {
		c.ComplianceIssues = []ComplianceIssue{}
	}
	if r.ToneScore != nil {
		v := *r.ToneScore
		c.ToneScore = &v
	}
	if r.CorrectsID != nil {
		id := *r.CorrectsID
		c.CorrectsID = &id
	}
	return &c
}

// HasViolation reports whether any issue is violation severity
func HasViolation(issues []ComplianceIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityViolation {
			return true
		}
	}
	return false
}

// ComplianceFlag is a durable record of a detected violation or warning
type ComplianceFlag struct {
	ID              uuid.UUID  `json:"id"`
	CaseID          string     `json:"case_id"`
	MessageID       *uuid.UUID `json:"message_id,omitempty"`
	FlagType        IssueType  `json:"flag_type"`
	Severity        Severity   `json:"severity"`
	Details         string     `json:"details"`
	Resolved        bool       `json:"resolved"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// Resolve transitions the flag to resolved. It returns false, leaving the
// flag untouched, when the flag is already resolved.
func (f *ComplianceFlag) Resolve(notes, by string, at time.Time) bool {
	if f.Resolved {
		return false
	}
	f.Resolved = true
	f.ResolutionNotes = notes
	f.ResolvedBy = by
	f.ResolvedAt = &at
	return true
}

func (f *ComplianceFlag) Clone() *ComplianceFlag {
	c := *f
	if f.MessageID != nil {
		id := *f.MessageID
		c.MessageID = &id
	}
	if f.ResolvedAt != nil {
		t := *f.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

type RequestMethod string

const (
	RequestWritten  RequestMethod = "written"
	RequestVerbal   RequestMethod = "verbal"
	RequestEmail    RequestMethod = "email"
	RequestAttorney RequestMethod = "attorney"
)

func (m RequestMethod) Valid() bool {
	switch m {
	case RequestWritten, RequestVerbal, RequestEmail, RequestAttorney:
		return true
	}
	return false
}

// CeaseDesistRecord tracks the opt-out state of one case
type CeaseDesistRecord struct {
	CaseID         string        `json:"case_id"`
	DebtorID       string        `json:"debtor_id"`
	Active         bool          `json:"active"`
	RequestedAt    time.Time     `json:"requested_at"`
	RequestMethod  RequestMethod `json:"request_method"`
	Notes          string        `json:"notes,omitempty"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
	LiftedAt       *time.Time    `json:"lifted_at,omitempty"`
	LiftedBy       string        `json:"lifted_by,omitempty"`
	LiftReason     string        `json:"lift_reason,omitempty"`
}

func (c *CeaseDesistRecord) Clone() *CeaseDesistRecord {
	r := *c
	if c.AcknowledgedAt != nil {
		t := *c.AcknowledgedAt
		r.AcknowledgedAt = &t
	}
	if c.LiftedAt != nil {
		t := *c.LiftedAt
		r.LiftedAt = &t
	}
	return &r
}

// DebtDetails describes the debt a letter refers to
type DebtDetails struct {
	Principal        decimal.Decimal `json:"principal"`
	Interest         decimal.Decimal `json:"interest"`
	Fees             decimal.Decimal `json:"fees"`
	OriginDate       time.Time       `json:"origin_date"`
	CreditorName     string          `json:"creditor_name"`
	OriginalCreditor string          `json:"original_creditor,omitempty"`
	AccountNumber    string          `json:"account_number,omitempty"`
}

// Total is the full amount currently claimed
func (d DebtDetails) Total() decimal.Decimal {
	return d.Principal.Add(d.Interest).Add(d.Fees)
}

// AgeYears returns the number of whole years between OriginDate and now
func (d DebtDetails) AgeYears(now time.Time) int {
	if d.OriginDate.IsZero() || now.Before(d.OriginDate) {
		return 0
	}
	years := now.Year() - d.OriginDate.Year()
	anniversary := d.OriginDate.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	return years
}

// ValidationContext is the read-only input of a letter validation
type ValidationContext struct {
	State string      `json:"state"`
	Debt  DebtDetails `json:"debt_details"`
}

// RequiredLevel tags a letter rule as required, optional or conditional
type RequiredLevel string

const (
	LevelRequired    RequiredLevel = "required"
	LevelOptional    RequiredLevel = "optional"
	LevelConditional RequiredLevel = "conditional"
)

func (l RequiredLevel) Valid() bool {
	return l == LevelRequired || l == LevelOptional || l == LevelConditional
}

// MarshalJSON encodes the level as true, false or "conditional"
func (l RequiredLevel) MarshalJSON() ([]byte, error) {
	switch l {
	case LevelRequired:
		return []byte("true"), nil
	case LevelOptional:
		return []byte("false"), nil
	case LevelConditional:
		return []byte(`"conditional"`), nil
	default:
		return nil, fmt.Errorf("unknown required level %q", string(l))
	}
}

func (l *RequiredLevel) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*l = LevelRequired
		} else {
			*l = LevelOptional
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	level := RequiredLevel(s)
	if !level.Valid() {
		return fmt.Errorf("unknown required level %q", s)
	}
	*l = level
	return nil
}

// ComplianceCheckResult is the outcome of one letter rule
type ComplianceCheckResult struct {
	ID         string        `json:"id"`
	Section    string        `json:"section"`
	Name       string        `json:"name"`
	Passed     bool          `json:"passed"`
	Required   RequiredLevel `json:"required"`
	Applicable bool          `json:"applicable"`
	Details    string        `json:"details"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// LetterValidationResult is the outcome of validating one letter
type LetterValidationResult struct {
	IsCompliant         bool                    `json:"is_compliant"`
	Score               int                     `json:"score"`
	Checks              []ComplianceCheckResult `json:"checks"`
	MissingRequirements []string                `json:"missing_requirements"`
	Warnings            []string                `json:"warnings"`
	Suggestions         []string                `json:"suggestions"`
	RuleSetVersion      string                  `json:"rule_set_version"`
}

// FrequencyResult describes contact usage within the trailing window
type FrequencyResult struct {
	Compliant        bool      `json:"compliant"`
	Used             int       `json:"used"`
	Limit            int       `json:"limit"`
	Remaining        int       `json:"remaining"`
	WarningThreshold bool      `json:"warning_threshold"`
	NextResetDate    time.Time `json:"next_reset_date"`
	WindowDays       int       `json:"window_days"`
}

// TimeCheckResult describes the quiet-hours evaluation for a debtor
type TimeCheckResult struct {
	Allowed         bool       `json:"allowed"`
	CurrentHour     int        `json:"current_hour"`
	Timezone        string     `json:"timezone"`
	LocalTime       time.Time  `json:"local_time"`
	NextAllowedTime *time.Time `json:"next_allowed_time,omitempty"`
	Indeterminate   bool       `json:"indeterminate"`
}

// CeaseDesistStatus is the result of a cease-and-desist lookup
type CeaseDesistStatus struct {
	Active         bool                `json:"active"`
	AllowedTypes   []CommunicationType `json:"allowed_types"`
	BlockedActions []string            `json:"blocked_actions"`
	Record         *CeaseDesistRecord  `json:"record,omitempty"`
}

// PreSendCheckResult is the decision of the pre-send gate
type PreSendCheckResult struct {
	Allowed     bool               `json:"allowed"`
	Issues      []ComplianceIssue  `json:"issues"`
	Warnings    []string           `json:"warnings"`
	BlockReason string             `json:"block_reason,omitempty"`
	Frequency   *FrequencyResult   `json:"frequency,omitempty"`
	TimeCheck   *TimeCheckResult   `json:"time_check,omitempty"`
	CeaseDesist *CeaseDesistStatus `json:"cease_desist,omitempty"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
}
