package presend

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/validation"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/telemetry"
	"github.com/davidleathers/debt-comms-compliance/internal/metrics"
)

// FrequencyChecker answers trailing-window contact usage
type FrequencyChecker interface {
	CheckLimit(ctx context.Context, debtorID, caseID string, limit int) (*compliance.FrequencyResult, error)
	Limit() int
	Counts(direction compliance.Direction, channel compliance.Channel) bool
}

// TimeChecker answers quiet-hours questions for a debtor
type TimeChecker interface {
	WouldBeAllowedAt(ctx context.Context, debtorID string, at time.Time) (*compliance.TimeCheckResult, error)
}

// CeaseDesistChecker answers whether a communication type may be sent on a case
type CeaseDesistChecker interface {
	IsTypeAllowed(ctx context.Context, caseID string, commType compliance.CommunicationType) (bool, *compliance.CeaseDesistStatus, error)
}

// ContactCaps supplies stricter per-state contact caps, 0 meaning none
type ContactCaps interface {
	ContactCap(state string) int
}

// Request describes an intended outbound communication
type Request struct {
	CaseID            string                       `json:"case_id" validate:"required"`
	DebtorID          string                       `json:"debtor_id" validate:"required"`
	CreditorID        string                       `json:"creditor_id,omitempty"`
	Channel           compliance.Channel           `json:"channel,omitempty" validate:"omitempty,channel"`
	CommunicationType compliance.CommunicationType `json:"communication_type,omitempty" validate:"omitempty,comm_type"`
	State             string                       `json:"state,omitempty" validate:"omitempty,us_state"`
	// At defaults to the gate clock when zero
	At time.Time `json:"at,omitempty"`
}

// Gate composes the cease-and-desist, quiet-hours and frequency checks
// into one allow/block decision.
type Gate struct {
	frequency   FrequencyChecker
	timeChecker TimeChecker
	ceaseDesist CeaseDesistChecker
	caps        ContactCaps
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewGate creates a Gate. caps and m may be nil.
func NewGate(
	frequency FrequencyChecker,
	timeChecker TimeChecker,
	ceaseDesist CeaseDesistChecker,
	caps ContactCaps,
	clk clock.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*Gate, error) {
	if frequency == nil || timeChecker == nil || ceaseDesist == nil {
		return nil, fmt.Errorf("frequency, time and cease-desist checkers are required")
	}
	return &Gate{
		frequency:   frequency,
		timeChecker: timeChecker,
		ceaseDesist: ceaseDesist,
		caps:        caps,
		clock:       clock.OrReal(clk),
		logger:      telemetry.OrNop(logger).Named("presend"),
		metrics:     m,
	}, nil
}

// LimitFor returns the contact cap that applies in state: the stricter of
// the federal default and the state cap.
func (g *Gate) LimitFor(state string) int {
	limit := g.frequency.Limit()
	if g.caps != nil && state != "" {
		if c := g.caps.ContactCap(state); c > 0 && c < limit {
			limit = c
		}
	}
	return limit
}

// Evaluate runs every check. The send is allowed when no issue is a
// violation. BlockReason surfaces cease-and-desist first, then quiet hours,
// then frequency.
func (g *Gate) Evaluate(ctx context.Context, req Request) (*compliance.PreSendCheckResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "presend", "Evaluate",
		attribute.String("case_id", req.CaseID),
		attribute.String("channel", string(req.Channel)),
	)
	defer span.End()

	req.State = validation.NormalizeState(req.State)
	if err := validation.Struct(req); err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}

	start := time.Now()
	at := req.At
	if at.IsZero() {
		at = g.clock.Now()
	}

	result := &compliance.PreSendCheckResult{
		Issues:      []compliance.ComplianceIssue{},
		Warnings:    []string{},
		EvaluatedAt: at,
	}

	if err := g.checkCeaseDesist(ctx, req, result); err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}
	if err := g.checkTime(ctx, req, at, result); err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}
	if err := g.checkFrequency(ctx, req, result); err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}

	result.Allowed = !compliance.HasViolation(result.Issues)
	for _, issue := range result.Issues {
		if issue.Severity == compliance.SeverityViolation {
			result.BlockReason = issue.Description
			break
		}
	}

	g.metrics.ObserveDecision(result, time.Since(start))
	span.SetAttributes(
		attribute.Bool("allowed", result.Allowed),
		attribute.Int("issues", len(result.Issues)),
	)

	logger := telemetry.WithTrace(ctx, g.logger)
	if result.Allowed {
		logger.Debug("send allowed",
			zap.String("case_id", req.CaseID),
			zap.Int("warnings", len(result.Warnings)),
		)
	} else {
		logger.Info("send blocked",
			zap.String("case_id", req.CaseID),
			zap.String("debtor_id", req.DebtorID),
			zap.String("reason", result.BlockReason),
		)
	}
	return result, nil
}

func (g *Gate) checkCeaseDesist(ctx context.Context, req Request, result *compliance.PreSendCheckResult) error {
	allowed, status, err := g.ceaseDesist.IsTypeAllowed(ctx, req.CaseID, req.CommunicationType)
	if err != nil {
		return err
	}
	result.CeaseDesist = status
	if allowed {
		return nil
	}

	commType := req.CommunicationType
	if commType == "" {
		commType = compliance.CommTypeCollection
	}
	result.Issues = append(result.Issues, compliance.ComplianceIssue{
		Type:        compliance.IssueCeaseDesistActive,
		Severity:    compliance.SeverityViolation,
		Description: fmt.Sprintf("cease-and-desist is active for case %s; %s communications are not permitted", req.CaseID, commType),
		Section:     compliance.SectionCeaseDesist,
	})
	return nil
}

// checkTime skips letters: their delivery time is not under the sender's control
func (g *Gate) checkTime(ctx context.Context, req Request, at time.Time, result *compliance.PreSendCheckResult) error {
	if req.Channel == compliance.ChannelLetter {
		return nil
	}

	tc, err := g.timeChecker.WouldBeAllowedAt(ctx, req.DebtorID, at)
	if err != nil {
		return err
	}
	result.TimeCheck = tc

	if tc.Indeterminate {
		issue := compliance.ComplianceIssue{
			Type:        compliance.IssueTimezoneIndeterminate,
			Severity:    compliance.SeverityWarning,
			Description: "debtor timezone could not be determined; evaluated against every conservative zone",
			Section:     compliance.SectionTimeOfDay,
		}
		result.Issues = append(result.Issues, issue)
		result.Warnings = append(result.Warnings, issue.Description)
	}

	if !tc.Allowed {
		desc := fmt.Sprintf("local time %s (%s) is outside permitted contact hours",
			tc.LocalTime.Format("15:04"), tc.Timezone)
		if tc.NextAllowedTime != nil {
			desc += "; next allowed " + tc.NextAllowedTime.Format(time.RFC3339)
		}
		result.Issues = append(result.Issues, compliance.ComplianceIssue{
			Type:        compliance.IssueOutsideHours,
			Severity:    compliance.SeverityViolation,
			Description: desc,
			Section:     compliance.SectionTimeOfDay,
		})
	}
	return nil
}

// checkFrequency raises issues only for channels that count toward the cap.
// The usage figures are reported for every channel.
func (g *Gate) checkFrequency(ctx context.Context, req Request, result *compliance.PreSendCheckResult) error {
	fr, err := g.frequency.CheckLimit(ctx, req.DebtorID, req.CaseID, g.LimitFor(req.State))
	if err != nil {
		return err
	}
	result.Frequency = fr

	if req.Channel != "" && !g.frequency.Counts(compliance.DirectionOutbound, req.Channel) {
		return nil
	}

	switch {
	case !fr.Compliant:
		result.Issues = append(result.Issues, compliance.ComplianceIssue{
			Type:     compliance.IssueFrequencyExceeded,
			Severity: compliance.SeverityViolation,
			Description: fmt.Sprintf("contact limit reached: %d of %d contacts used in the last %d days; next slot %s",
				fr.Used, fr.Limit, fr.WindowDays, fr.NextResetDate.Format(time.RFC3339)),
			Section: compliance.SectionFrequency,
		})
	case fr.WarningThreshold:
		issue := compliance.ComplianceIssue{
			Type:        compliance.IssueFrequencyApproaching,
			Severity:    compliance.SeverityWarning,
			Description: fmt.Sprintf("approaching contact limit: %d of %d contacts remaining", fr.Remaining, fr.Limit),
			Section:     compliance.SectionFrequency,
		}
		result.Issues = append(result.Issues, issue)
		result.Warnings = append(result.Warnings, issue.Description)
	}
	return nil
}

