package letter

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
)

//go:embed rulesets/*.yaml
var embeddedRuleSets embed.FS

// Condition names an applicability predicate for conditional rules
type Condition string

const (
	// ConditionTimeBarred holds when the debt is older than the state's
	// statute of limitations and the state mandates disclosure
	ConditionTimeBarred Condition = "time_barred"
)

// Rule is one declarative letter requirement. Kind selects the evaluator;
// phrases and groups are matched case-insensitively against normalized text.
type Rule struct {
	ID         string                   `yaml:"id"`
	Section    string                   `yaml:"section"`
	Name       string                   `yaml:"name"`
	Level      compliance.RequiredLevel `yaml:"level"`
	Kind       string                   `yaml:"kind"`
	Condition  Condition                `yaml:"condition,omitempty"`
	Phrases    []string                 `yaml:"phrases,omitempty"`
	Patterns   []string                 `yaml:"patterns,omitempty"`
	Groups     [][]string               `yaml:"groups,omitempty"`
	Suggestion string                   `yaml:"suggestion"`

	compiled []*regexp.Regexp
}

// RuleSet is a versioned collection of rules
type RuleSet struct {
	Version       string    `yaml:"version"`
	EffectiveDate string    `yaml:"effective_date"`
	Description   string    `yaml:"description"`
	Rules         []*Rule   `yaml:"rules"`
	effective     time.Time
}

// Effective returns the date from which the rule set applies
func (rs *RuleSet) Effective() time.Time {
	return rs.effective
}

// ParseRuleSet decodes and checks a YAML rule set. Every rule kind must be
// known to evaluators.
func ParseRuleSet(data []byte, evaluators map[string]Evaluator) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decoding rule set: %w", err)
	}
	if rs.Version == "" {
		return nil, fmt.Errorf("rule set has no version")
	}
	if rs.EffectiveDate != "" {
		t, err := time.Parse("2006-01-02", rs.EffectiveDate)
		if err != nil {
			return nil, fmt.Errorf("rule set %s: effective_date: %w", rs.Version, err)
		}
		rs.effective = t
	}

	seen := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule set %s: rule without id", rs.Version)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule set %s: duplicate rule %s", rs.Version, r.ID)
		}
		seen[r.ID] = true

		if !r.Level.Valid() {
			return nil, fmt.Errorf("rule %s: unknown level %q", r.ID, r.Level)
		}
		if r.Level == compliance.LevelConditional && r.Condition == "" {
			return nil, fmt.Errorf("rule %s: conditional rule needs a condition", r.ID)
		}
		if r.Condition != "" && r.Condition != ConditionTimeBarred {
			return nil, fmt.Errorf("rule %s: unknown condition %q", r.ID, r.Condition)
		}
		if _, ok := evaluators[r.Kind]; !ok {
			return nil, fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
		}

		for i, p := range r.Phrases {
			r.Phrases[i] = normalize(p)
		}
		for _, g := range r.Groups {
			for i, p := range g {
				g[i] = normalize(p)
			}
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("rule %s: pattern %q: %w", r.ID, p, err)
			}
			r.compiled = append(r.compiled, re)
		}
	}

	return &rs, nil
}

// loadEmbeddedRuleSets parses every built-in rule set, sorted by effective date
func loadEmbeddedRuleSets(evaluators map[string]Evaluator) ([]*RuleSet, error) {
	var sets []*RuleSet
	err := fs.WalkDir(embeddedRuleSets, "rulesets", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".yaml" {
			return nil
		}
		data, err := embeddedRuleSets.ReadFile(p)
		if err != nil {
			return err
		}
		rs, err := ParseRuleSet(data, evaluators)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		sets = append(sets, rs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortRuleSets(sets)
	return sets, nil
}

func sortRuleSets(sets []*RuleSet) {
	sort.SliceStable(sets, func(i, j int) bool {
		if sets[i].effective.Equal(sets[j].effective) {
			return sets[i].Version < sets[j].Version
		}
		return sets[i].effective.Before(sets[j].effective)
	})
}

var (
	whitespace   = regexp.MustCompile(`\s+`)
	quoteReplace = strings.NewReplacer("‘", "'", "’", "'", "“", `"`, "”", `"`)
)

// normalize lower-cases text, straightens quotes and collapses whitespace
func normalize(s string) string {
	s = quoteReplace.Replace(strings.ToLower(s))
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
