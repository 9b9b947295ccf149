// Package audit is the immutable communication trail. It stamps every
// logged attempt with the pre-send decision made at send time, raises
// compliance flags for the issues found and feeds actual sends to the
// frequency tracker.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/validation"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/keylock"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/telemetry"
	"github.com/davidleathers/debt-comms-compliance/internal/metrics"
	"github.com/davidleathers/debt-comms-compliance/internal/service/frequency"
	"github.com/davidleathers/debt-comms-compliance/internal/service/presend"
)

// Gate is the pre-send decision the log stamps records with
type Gate interface {
	Evaluate(ctx context.Context, req presend.Request) (*compliance.PreSendCheckResult, error)
	LimitFor(state string) int
}

// ContactRecorder commits actual sends to the frequency window
type ContactRecorder interface {
	TryRecord(ctx context.Context, ev frequency.ContactEvent, limit int) (*compliance.FrequencyResult, bool, error)
	CheckLimit(ctx context.Context, debtorID, caseID string, limit int) (*compliance.FrequencyResult, error)
	Counts(direction compliance.Direction, channel compliance.Channel) bool
}

// CeaseDesistLookup reports cease-and-desist status for summaries
type CeaseDesistLookup interface {
	Check(ctx context.Context, caseID string) (*compliance.CeaseDesistStatus, error)
}

// Deps wires a Service. Metrics, Clock and Logger may be nil.
type Deps struct {
	Records     compliance.RecordStore
	Flags       compliance.FlagStore
	Gate        Gate
	Tracker     ContactRecorder
	CeaseDesist CeaseDesistLookup
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// LogRequest describes one communication attempt
type LogRequest struct {
	CaseID            string                       `json:"case_id" validate:"required"`
	DebtorID          string                       `json:"debtor_id" validate:"required"`
	CreditorID        string                       `json:"creditor_id,omitempty"`
	Direction         compliance.Direction         `json:"direction" validate:"required,direction"`
	Channel           compliance.Channel           `json:"channel" validate:"required,channel"`
	CommunicationType compliance.CommunicationType `json:"communication_type,omitempty" validate:"omitempty,comm_type"`
	State             string                       `json:"state,omitempty" validate:"omitempty,us_state"`
	Content           string                       `json:"content,omitempty"`
	ToneScore         *float64                     `json:"tone_score,omitempty"`
	// Timestamp defaults to the service clock when zero
	Timestamp  time.Time  `json:"timestamp,omitempty"`
	CorrectsID *uuid.UUID `json:"corrects_id,omitempty"`
	RecordedBy string     `json:"recorded_by,omitempty"`
}

// FlagRequest raises a flag outside the pre-send path, e.g. for a letter
// that failed content validation
type FlagRequest struct {
	CaseID    string               `json:"case_id" validate:"required"`
	MessageID *uuid.UUID           `json:"message_id,omitempty"`
	FlagType  compliance.IssueType `json:"flag_type" validate:"required"`
	Severity  compliance.Severity  `json:"severity" validate:"required,oneof=warning violation"`
	Details   string               `json:"details" validate:"required"`
}

type Service struct {
	records     compliance.RecordStore
	flags       compliance.FlagStore
	gate        Gate
	tracker     ContactRecorder
	ceaseDesist CeaseDesistLookup
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Metrics
	locks       *keylock.Set
}

func NewService(d Deps) (*Service, error) {
	if d.Records == nil || d.Flags == nil {
		return nil, fmt.Errorf("record and flag stores are required")
	}
	if d.Gate == nil || d.Tracker == nil || d.CeaseDesist == nil {
		return nil, fmt.Errorf("gate, tracker and cease-desist lookup are required")
	}

	return &Service{
		records:     d.Records,
		flags:       d.Flags,
		gate:        d.Gate,
		tracker:     d.Tracker,
		ceaseDesist: d.CeaseDesist,
		clock:       clock.OrReal(d.Clock),
		logger:      telemetry.OrNop(d.Logger).Named("audit"),
		metrics:     d.Metrics,
		locks:       keylock.New(0),
	}, nil
}

// Log appends an immutable record of a communication attempt.
//
// Outbound attempts run through the gate while the case lock is held, so
// the decision, the record and the frequency commit form one step for the
// case. A blocked attempt is recorded with Blocked set and never reaches the
// tracker. Inbound communications are recorded without evaluation.
// Corrections reference an existing record of the same case and carry its
// original issues unchanged.
func (s *Service) Log(ctx context.Context, req LogRequest) (*compliance.CommunicationRecord, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "audit", "Log",
		attribute.String("case_id", req.CaseID),
		attribute.String("direction", string(req.Direction)),
	)
	defer span.End()

	record, err := s.log(ctx, req)
	if err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("blocked", record.Blocked),
		attribute.Int("issues", len(record.ComplianceIssues)),
	)
	return record, nil
}

func (s *Service) log(ctx context.Context, req LogRequest) (*compliance.CommunicationRecord, error) {
	req.State = validation.NormalizeState(req.State)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	start := time.Now()
	unlock := s.locks.Lock(req.CaseID)
	defer unlock()

	now := s.clock.Now()
	record := &compliance.CommunicationRecord{
		ID:                uuid.New(),
		CaseID:            req.CaseID,
		DebtorID:          req.DebtorID,
		CreditorID:        req.CreditorID,
		Direction:         req.Direction,
		Channel:           req.Channel,
		CommunicationType: req.CommunicationType,
		Timestamp:         req.Timestamp,
		Content:           req.Content,
		ComplianceIssues:  []compliance.ComplianceIssue{},
		RecordedBy:        req.RecordedBy,
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}
	if record.Timestamp.After(now) {
		return nil, errors.NewValidationError("FUTURE_TIMESTAMP",
			fmt.Sprintf("communication timestamp %s is after the current time", record.Timestamp.Format(time.RFC3339)))
	}
	if req.ToneScore != nil {
		tone := *req.ToneScore
		record.ToneScore = &tone
	}

	evaluated := false
	switch {
	case req.CorrectsID != nil:
		original, err := s.correctionTarget(ctx, req)
		if err != nil {
			return nil, err
		}
		id := original.ID
		record.CorrectsID = &id
		record.ComplianceIssues = append(record.ComplianceIssues, original.ComplianceIssues...)
		record.Blocked = original.Blocked
		record.BlockReason = original.BlockReason

	case req.Direction == compliance.DirectionOutbound:
		if err := s.evaluate(ctx, req, record); err != nil {
			return nil, err
		}
		evaluated = true
	}

	if err := s.records.Append(ctx, record); err != nil {
		s.logger.Error("failed to append communication record",
			zap.String("case_id", record.CaseID),
			zap.String("record_id", record.ID.String()),
			zap.Error(err),
		)
		return nil, errors.NewInternalError("failed to append communication record").WithCause(err)
	}
	s.metrics.CommunicationLogged(record)

	// the record is committed; a flag failure must not report the send as
	// unlogged, or a retry would append it twice
	if evaluated {
		for _, issue := range record.ComplianceIssues {
			if err := s.raiseIssueFlag(ctx, record, issue, now); err != nil {
				s.logger.Error("failed to raise compliance flag for logged record",
					zap.String("case_id", record.CaseID),
					zap.String("record_id", record.ID.String()),
					zap.String("issue_type", string(issue.Type)),
					zap.Error(err),
				)
			}
		}
	}

	s.metrics.ObserveLatency("audit_log", time.Since(start))
	telemetry.WithTrace(ctx, s.logger).Debug("communication logged",
		zap.String("case_id", record.CaseID),
		zap.String("record_id", record.ID.String()),
		zap.String("direction", string(record.Direction)),
		zap.Bool("blocked", record.Blocked),
		zap.Int("issues", len(record.ComplianceIssues)),
	)
	return record.Clone(), nil
}

func (s *Service) correctionTarget(ctx context.Context, req LogRequest) (*compliance.CommunicationRecord, error) {
	original, err := s.records.Get(ctx, *req.CorrectsID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewValidationError("UNKNOWN_CORRECTED_RECORD",
				fmt.Sprintf("record %s to correct does not exist", req.CorrectsID))
		}
		return nil, errors.NewInternalError("failed to load corrected record").WithCause(err)
	}
	if original.CaseID != req.CaseID {
		return nil, errors.NewValidationError("CORRECTION_CASE_MISMATCH",
			fmt.Sprintf("record %s belongs to another case", original.ID))
	}
	return original, nil
}

// evaluate stamps an outbound record with the gate decision and, for an
// allowed send on a counted channel, commits it to the frequency window.
// The commit re-checks the cap atomically in the store, which matters when
// several processes share it.
func (s *Service) evaluate(ctx context.Context, req LogRequest, record *compliance.CommunicationRecord) error {
	decision, err := s.gate.Evaluate(ctx, presend.Request{
		CaseID:            req.CaseID,
		DebtorID:          req.DebtorID,
		CreditorID:        req.CreditorID,
		Channel:           req.Channel,
		CommunicationType: req.CommunicationType,
		State:             req.State,
		At:                record.Timestamp,
	})
	if err != nil {
		return err
	}

	record.ComplianceIssues = append(record.ComplianceIssues, decision.Issues...)
	record.Blocked = !decision.Allowed
	record.BlockReason = decision.BlockReason

	if record.Blocked || !s.tracker.Counts(req.Direction, req.Channel) {
		return nil
	}

	limit := s.gate.LimitFor(req.State)
	fr, admitted, err := s.tracker.TryRecord(ctx, frequency.ContactEvent{
		DebtorID:  req.DebtorID,
		CaseID:    req.CaseID,
		Channel:   req.Channel,
		Direction: req.Direction,
		Timestamp: record.Timestamp,
	}, limit)
	if err != nil {
		return err
	}
	if admitted {
		return nil
	}

	// another process took the last slot between the check and the commit
	issue := compliance.ComplianceIssue{
		Type:     compliance.IssueFrequencyExceeded,
		Severity: compliance.SeverityViolation,
		Description: fmt.Sprintf("contact limit reached: %d of %d contacts used in the last %d days",
			fr.Used, fr.Limit, fr.WindowDays),
		Section: compliance.SectionFrequency,
	}
	record.ComplianceIssues = append(record.ComplianceIssues, issue)
	record.Blocked = true
	record.BlockReason = issue.Description
	s.logger.Warn("send lost the race for the last contact slot",
		zap.String("case_id", req.CaseID),
		zap.Int("limit", limit),
	)
	return nil
}

// raiseIssueFlag materializes a flag for an issue found at send time. A
// warning is not repeated while an open flag of the same type exists for
// the case; every violation gets its own flag.
func (s *Service) raiseIssueFlag(ctx context.Context, record *compliance.CommunicationRecord, issue compliance.ComplianceIssue, now time.Time) error {
	if issue.Severity == compliance.SeverityWarning {
		open := false
		existing, err := s.flags.List(ctx, compliance.FlagFilter{
			CaseID:   record.CaseID,
			FlagType: issue.Type,
			Resolved: &open,
		})
		if err != nil {
			return errors.NewInternalError("failed to list flags").WithCause(err)
		}
		if len(existing) > 0 {
			return nil
		}
	}

	id := record.ID
	_, err := s.createFlag(ctx, &compliance.ComplianceFlag{
		ID:        uuid.New(),
		CaseID:    record.CaseID,
		MessageID: &id,
		FlagType:  issue.Type,
		Severity:  issue.Severity,
		Details:   fmt.Sprintf("%s (%s)", issue.Description, issue.Section),
		CreatedAt: now,
	})
	return err
}

// CreateFlag raises a flag for a finding made outside the pre-send path.
// The creation time is always the service clock.
func (s *Service) CreateFlag(ctx context.Context, req FlagRequest) (*compliance.ComplianceFlag, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	if req.MessageID != nil {
		record, err := s.records.Get(ctx, *req.MessageID)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.NewValidationError("UNKNOWN_MESSAGE", fmt.Sprintf("record %s does not exist", req.MessageID))
			}
			return nil, errors.NewInternalError("failed to load record").WithCause(err)
		}
		if record.CaseID != req.CaseID {
			return nil, errors.NewValidationError("MESSAGE_CASE_MISMATCH", "record belongs to another case")
		}
	}

	flag := &compliance.ComplianceFlag{
		ID:        uuid.New(),
		CaseID:    req.CaseID,
		FlagType:  req.FlagType,
		Severity:  req.Severity,
		Details:   req.Details,
		CreatedAt: s.clock.Now(),
	}
	if req.MessageID != nil {
		id := *req.MessageID
		flag.MessageID = &id
	}
	return s.createFlag(ctx, flag)
}

func (s *Service) createFlag(ctx context.Context, flag *compliance.ComplianceFlag) (*compliance.ComplianceFlag, error) {
	if err := s.flags.Create(ctx, flag); err != nil {
		s.logger.Error("failed to create compliance flag",
			zap.String("case_id", flag.CaseID),
			zap.Error(err),
		)
		return nil, errors.NewInternalError("failed to create compliance flag").WithCause(err)
	}
	s.metrics.FlagCreated(flag)

	s.logger.Warn("compliance flag raised",
		zap.String("flag_id", flag.ID.String()),
		zap.String("case_id", flag.CaseID),
		zap.String("type", string(flag.FlagType)),
		zap.String("severity", string(flag.Severity)),
	)
	return flag.Clone(), nil
}

// ResolveFlag closes a flag with a human justification. Resolving an
// already resolved flag returns it unchanged.
func (s *Service) ResolveFlag(ctx context.Context, id uuid.UUID, notes, by string) (*compliance.ComplianceFlag, error) {
	if notes == "" {
		return nil, errors.NewValidationError("MISSING_RESOLUTION_NOTES", "resolving a flag requires resolution notes")
	}
	if by == "" {
		return nil, errors.NewValidationError("MISSING_RESOLVER", "resolving a flag requires the resolving user")
	}

	flag, changed, err := s.flags.Resolve(ctx, id, notes, by, s.clock.Now())
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to resolve flag").WithCause(err)
	}

	if changed {
		s.metrics.FlagResolved(flag)
		s.logger.Info("compliance flag resolved",
			zap.String("flag_id", id.String()),
			zap.String("by", by),
		)
	} else {
		s.logger.Debug("compliance flag already resolved", zap.String("flag_id", id.String()))
	}
	return flag, nil
}

// GetLogs returns the records of a case, oldest first
func (s *Service) GetLogs(ctx context.Context, caseID string, filter compliance.RecordFilter) ([]*compliance.CommunicationRecord, error) {
	if caseID == "" {
		return nil, errors.NewValidationError("MISSING_CASE_ID", "case id is required")
	}
	filter.CaseID = caseID

	records, err := s.records.List(ctx, filter)
	if err != nil {
		return nil, errors.NewInternalError("failed to list records").WithCause(err)
	}
	return records, nil
}

// GetFlags returns flags matching filter, oldest first
func (s *Service) GetFlags(ctx context.Context, filter compliance.FlagFilter) ([]*compliance.ComplianceFlag, error) {
	flags, err := s.flags.List(ctx, filter)
	if err != nil {
		return nil, errors.NewInternalError("failed to list flags").WithCause(err)
	}
	return flags, nil
}
