package letter

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/telemetry"
	"github.com/davidleathers/debt-comms-compliance/internal/metrics"
)

const (
	requiredWeight = 80
	optionalWeight = 20
)

// Validator checks letter text against a versioned rule set
type Validator struct {
	clock         clock.Clock
	logger        *zap.Logger
	metrics       *metrics.Metrics
	evaluators    map[string]Evaluator
	sets          []*RuleSet
	active        *RuleSet
	jurisdictions *JurisdictionTable
}

type Option func(*options)

type options struct {
	version       string
	ruleSets      [][]byte
	jurisdictions *JurisdictionTable
	evaluators    map[string]Evaluator
	metrics       *metrics.Metrics
}

// WithRuleSetVersion pins the rule set; the latest effective one is used otherwise
func WithRuleSetVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithRuleSet adds a YAML rule set next to the built-in ones
func WithRuleSet(data []byte) Option {
	return func(o *options) { o.ruleSets = append(o.ruleSets, data) }
}

func WithJurisdictions(table *JurisdictionTable) Option {
	return func(o *options) { o.jurisdictions = table }
}

// WithEvaluator registers an evaluator for a custom rule kind
func WithEvaluator(kind string, fn Evaluator) Option {
	return func(o *options) { o.evaluators[kind] = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func NewValidator(clk clock.Clock, logger *zap.Logger, opts ...Option) (*Validator, error) {
	o := options{evaluators: builtinEvaluators()}
	for _, opt := range opts {
		opt(&o)
	}

	sets, err := loadEmbeddedRuleSets(o.evaluators)
	if err != nil {
		return nil, fmt.Errorf("loading built-in rule sets: %w", err)
	}
	for _, data := range o.ruleSets {
		rs, err := ParseRuleSet(data, o.evaluators)
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}
	sortRuleSets(sets)
	if len(sets) == 0 {
		return nil, fmt.Errorf("no letter rule sets available")
	}

	active := sets[len(sets)-1]
	if o.version != "" {
		active = nil
		for _, rs := range sets {
			if rs.Version == o.version {
				active = rs
			}
		}
		if active == nil {
			return nil, fmt.Errorf("unknown rule set version %q", o.version)
		}
	}

	if o.jurisdictions == nil {
		if o.jurisdictions, err = DefaultJurisdictions(); err != nil {
			return nil, err
		}
	}

	v := &Validator{
		clock:         clock.OrReal(clk),
		logger:        telemetry.OrNop(logger).Named("letter"),
		metrics:       o.metrics,
		evaluators:    o.evaluators,
		sets:          sets,
		active:        active,
		jurisdictions: o.jurisdictions,
	}
	v.logger.Debug("letter validator ready",
		zap.String("rule_set_version", active.Version),
		zap.Int("rules", len(active.Rules)),
	)
	return v, nil
}

// RuleSetVersion returns the version every result is stamped with
func (v *Validator) RuleSetVersion() string {
	return v.active.Version
}

// Versions lists the loaded rule set versions, oldest first
func (v *Validator) Versions() []string {
	out := make([]string, 0, len(v.sets))
	for _, rs := range v.sets {
		out = append(out, rs.Version)
	}
	return out
}

// Jurisdictions exposes the state table the validator uses
func (v *Validator) Jurisdictions() *JurisdictionTable {
	return v.jurisdictions
}

// Validate runs every rule. The letter is compliant only when every required
// rule passes, whatever its score.
func (v *Validator) Validate(content string, vctx compliance.ValidationContext) (*compliance.LetterValidationResult, error) {
	if err := checkContext(vctx); err != nil {
		return nil, err
	}

	start := time.Now()
	text := normalize(content)
	now := v.clock.Now()

	result := &compliance.LetterValidationResult{
		IsCompliant:         true,
		Checks:              make([]compliance.ComplianceCheckResult, 0, len(v.active.Rules)),
		MissingRequirements: []string{},
		Warnings:            []string{},
		Suggestions:         []string{},
		RuleSetVersion:      v.active.Version,
	}

	var reqTotal, reqPassed, optTotal, optPassed int
	for _, rule := range v.active.Rules {
		check := v.evaluate(text, rule, vctx, now)
		result.Checks = append(result.Checks, check)

		if rule.Level == compliance.LevelOptional {
			optTotal++
			if check.Passed {
				optPassed++
			} else if rule.Suggestion != "" {
				result.Suggestions = append(result.Suggestions, rule.Suggestion)
			}
			continue
		}

		reqTotal++
		if check.Passed {
			reqPassed++
			continue
		}
		result.IsCompliant = false
		result.MissingRequirements = append(result.MissingRequirements, rule.Name)
		if rule.Suggestion != "" {
			result.Suggestions = append(result.Suggestions, rule.Suggestion)
		}
	}

	result.Score = score(reqPassed, reqTotal, optPassed, optTotal)

	if vctx.State != "" {
		if j, ok := v.jurisdictions.Lookup(vctx.State); ok {
			result.Warnings = append(result.Warnings, j.Warnings...)
		} else {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no state rules on file for %s; only federal requirements were checked", vctx.State))
		}
	}

	v.metrics.LetterValidated(result)
	v.metrics.ObserveLatency("letter_validate", time.Since(start))
	v.logger.Debug("letter validated",
		zap.Bool("compliant", result.IsCompliant),
		zap.Int("score", result.Score),
		zap.Strings("missing", result.MissingRequirements),
	)
	return result, nil
}

// QuickValidate stops at the first failing required rule. It returns that
// rule's check, or nil when every required rule passes.
func (v *Validator) QuickValidate(content string, vctx compliance.ValidationContext) (bool, *compliance.ComplianceCheckResult, error) {
	if err := checkContext(vctx); err != nil {
		return false, nil, err
	}

	text := normalize(content)
	now := v.clock.Now()
	for _, rule := range v.active.Rules {
		if rule.Level == compliance.LevelOptional {
			continue
		}
		check := v.evaluate(text, rule, vctx, now)
		if !check.Passed {
			return false, &check, nil
		}
	}
	return true, nil, nil
}

func (v *Validator) evaluate(text string, rule *Rule, vctx compliance.ValidationContext, now time.Time) compliance.ComplianceCheckResult {
	check := compliance.ComplianceCheckResult{
		ID:         rule.ID,
		Section:    rule.Section,
		Name:       rule.Name,
		Required:   rule.Level,
		Applicable: true,
	}

	if rule.Condition != "" && !v.applies(rule.Condition, vctx, now) {
		check.Applicable = false
		check.Passed = true
		check.Details = "not applicable"
		return check
	}

	check.Passed, check.Details = v.evaluators[rule.Kind](text, rule, vctx)
	if !check.Passed {
		check.Suggestion = rule.Suggestion
	}
	return check
}

func (v *Validator) applies(cond Condition, vctx compliance.ValidationContext, now time.Time) bool {
	switch cond {
	case ConditionTimeBarred:
		return v.jurisdictions.TimeBarred(vctx.State, vctx.Debt, now)
	default:
		return false
	}
}

// score weights required rules at 80 points and optional rules at 20. A
// category with no rules counts as fully satisfied.
func score(reqPassed, reqTotal, optPassed, optTotal int) int {
	reqRatio, optRatio := 1.0, 1.0
	if reqTotal > 0 {
		reqRatio = float64(reqPassed) / float64(reqTotal)
	}
	if optTotal > 0 {
		optRatio = float64(optPassed) / float64(optTotal)
	}
	return int(math.Round(reqRatio*requiredWeight + optRatio*optionalWeight))
}

func checkContext(vctx compliance.ValidationContext) error {
	if vctx.State != "" && len(vctx.State) != 2 {
		return errors.NewValidationError("INVALID_STATE", fmt.Sprintf("state must be a two-letter code, got %q", vctx.State))
	}
	if vctx.Debt.Total().IsNegative() {
		return errors.NewValidationError("INVALID_DEBT_AMOUNT", "debt amounts must not be negative")
	}
	return nil
}
