package ceasedesist

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/validation"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/keylock"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/telemetry"
)

// DefaultAllowedTypes may still be sent while a cease-and-desist is active
var DefaultAllowedTypes = []compliance.CommunicationType{
	compliance.CommTypeCeaseAcknowledgment,
	compliance.CommTypeLawsuitNotice,
	compliance.CommTypeRemedyNotice,
}

// RegisterRequest records a debtor's request to stop communications on a case
type RegisterRequest struct {
	CaseID   string                   `json:"case_id" validate:"required"`
	DebtorID string                   `json:"debtor_id" validate:"required"`
	Method   compliance.RequestMethod `json:"method" validate:"required,request_method"`
	Notes    string                   `json:"notes,omitempty"`
}

// Registry tracks per-case cease-and-desist state
type Registry struct {
	store   compliance.CeaseDesistStore
	clock   clock.Clock
	logger  *zap.Logger
	locks   *keylock.Set
	allowed map[compliance.CommunicationType]bool
	ordered []compliance.CommunicationType
}

// NewRegistry creates a Registry. An empty allowed list uses DefaultAllowedTypes.
func NewRegistry(store compliance.CeaseDesistStore, clk clock.Clock, logger *zap.Logger, allowedTypes []compliance.CommunicationType) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("cease-desist store is required")
	}
	if len(allowedTypes) == 0 {
		allowedTypes = DefaultAllowedTypes
	}

	allowed := make(map[compliance.CommunicationType]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown communication type %q", t)
		}
		allowed[t] = true
	}

	return &Registry{
		store:   store,
		clock:   clock.OrReal(clk),
		logger:  telemetry.OrNop(logger).Named("ceasedesist"),
		locks:   keylock.New(0),
		allowed: allowed,
		ordered: append([]compliance.CommunicationType(nil), allowedTypes...),
	}, nil
}

// Register activates a cease-and-desist for the case. Registering again
// refreshes the request and clears any earlier acknowledgment or lift.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*compliance.CeaseDesistRecord, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	record := &compliance.CeaseDesistRecord{
		CaseID:        req.CaseID,
		DebtorID:      req.DebtorID,
		Active:        true,
		RequestedAt:   r.clock.Now(),
		RequestMethod: req.Method,
		Notes:         req.Notes,
	}

	unlock := r.locks.Lock(req.CaseID)
	defer unlock()

	if err := r.store.Put(ctx, record); err != nil {
		return nil, errors.NewInternalError("failed to store cease-desist record").WithCause(err)
	}

	r.logger.Info("cease-desist registered",
		zap.String("case_id", req.CaseID),
		zap.String("debtor_id", req.DebtorID),
		zap.String("method", string(req.Method)),
	)
	return record.Clone(), nil
}

// Acknowledge marks the active request as acknowledged. It returns nil when
// the case has no active cease-and-desist.
func (r *Registry) Acknowledge(ctx context.Context, caseID, by string) (*compliance.CeaseDesistRecord, error) {
	if caseID == "" || by == "" {
		return nil, errors.NewValidationError("MISSING_FIELDS", "case id and acknowledging user are required")
	}

	unlock := r.locks.Lock(caseID)
	defer unlock()

	record, err := r.get(ctx, caseID)
	if err != nil || record == nil || !record.Active {
		return nil, err
	}

	now := r.clock.Now()
	record.AcknowledgedAt = &now
	record.AcknowledgedBy = by
	if err := r.store.Put(ctx, record); err != nil {
		return nil, errors.NewInternalError("failed to store cease-desist record").WithCause(err)
	}

	r.logger.Info("cease-desist acknowledged", zap.String("case_id", caseID), zap.String("by", by))
	return record.Clone(), nil
}

// Check reports whether a cease-and-desist is active and what it blocks
func (r *Registry) Check(ctx context.Context, caseID string) (*compliance.CeaseDesistStatus, error) {
	if caseID == "" {
		return nil, errors.NewValidationError("MISSING_CASE_ID", "case id is required")
	}

	record, err := r.get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	status := &compliance.CeaseDesistStatus{
		AllowedTypes:   append([]compliance.CommunicationType(nil), r.ordered...),
		BlockedActions: []string{},
		Record:         record,
	}
	if record != nil && record.Active {
		status.Active = true
		for _, t := range compliance.CommunicationTypes() {
			if !r.allowed[t] {
				status.BlockedActions = append(status.BlockedActions, string(t))
			}
		}
	}
	return status, nil
}

// IsTypeAllowed reports whether commType may be sent on the case right now.
// An empty type is treated as a general collection communication.
func (r *Registry) IsTypeAllowed(ctx context.Context, caseID string, commType compliance.CommunicationType) (bool, *compliance.CeaseDesistStatus, error) {
	status, err := r.Check(ctx, caseID)
	if err != nil {
		return false, nil, err
	}
	if !status.Active {
		return true, status, nil
	}
	if commType == "" {
		commType = compliance.CommTypeCollection
	}
	return r.allowed[commType], status, nil
}

// Lift deactivates the cease-and-desist. A reason is mandatory. It reports
// false when the case had no active request to lift.
func (r *Registry) Lift(ctx context.Context, caseID, reason, by string) (bool, error) {
	if caseID == "" {
		return false, errors.NewValidationError("MISSING_CASE_ID", "case id is required")
	}
	if reason == "" {
		return false, errors.NewValidationError("MISSING_LIFT_REASON", "lifting a cease-and-desist requires a reason")
	}
	if by == "" {
		return false, errors.NewValidationError("MISSING_ACTOR", "lifting a cease-and-desist requires the acting user")
	}

	unlock := r.locks.Lock(caseID)
	defer unlock()

	record, err := r.get(ctx, caseID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, errors.NewNotFoundError("cease-desist record")
	}
	if !record.Active {
		return false, nil
	}

	now := r.clock.Now()
	record.Active = false
	record.LiftedAt = &now
	record.LiftedBy = by
	record.LiftReason = reason
	if err := r.store.Put(ctx, record); err != nil {
		return false, errors.NewInternalError("failed to store cease-desist record").WithCause(err)
	}

	r.logger.Warn("cease-desist lifted",
		zap.String("case_id", caseID),
		zap.String("by", by),
		zap.String("reason", reason),
	)
	return true, nil
}

// get returns nil without error when the case has no record
func (r *Registry) get(ctx context.Context, caseID string) (*compliance.CeaseDesistRecord, error) {
	record, err := r.store.Get(ctx, caseID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.NewInternalError("failed to load cease-desist record").WithCause(err)
	}
	return record, nil
}
