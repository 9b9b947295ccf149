package letter

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/validation"
)

//go:embed jurisdictions.yaml
var embeddedJurisdictions []byte

// Jurisdiction holds the state rules that affect letters and contact caps
type Jurisdiction struct {
	Name                 string   `yaml:"name"`
	SOLYears             int      `yaml:"sol_years"`
	TimeBarredDisclosure bool     `yaml:"time_barred_disclosure"`
	WeeklyContactCap     int      `yaml:"weekly_contact_cap,omitempty"`
	Warnings             []string `yaml:"warnings,omitempty"`
}

// JurisdictionTable maps two-letter state codes to their rules
type JurisdictionTable struct {
	States map[string]Jurisdiction `yaml:"states"`
}

// ParseJurisdictions decodes a YAML jurisdiction table
func ParseJurisdictions(data []byte) (*JurisdictionTable, error) {
	var table JurisdictionTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decoding jurisdictions: %w", err)
	}

	normalized := make(map[string]Jurisdiction, len(table.States))
	for code, j := range table.States {
		if j.SOLYears < 0 || j.WeeklyContactCap < 0 {
			return nil, fmt.Errorf("jurisdiction %s: negative limits", code)
		}
		normalized[validation.NormalizeState(code)] = j
	}
	table.States = normalized
	return &table, nil
}

// DefaultJurisdictions returns the built-in table
func DefaultJurisdictions() (*JurisdictionTable, error) {
	return ParseJurisdictions(embeddedJurisdictions)
}

// Lookup returns the rules for a state code
func (t *JurisdictionTable) Lookup(state string) (Jurisdiction, bool) {
	if t == nil {
		return Jurisdiction{}, false
	}
	j, ok := t.States[validation.NormalizeState(state)]
	return j, ok
}

// ContactCap returns the stricter state weekly cap, or 0 when the state has none
func (t *JurisdictionTable) ContactCap(state string) int {
	j, _ := t.Lookup(state)
	return j.WeeklyContactCap
}

// TimeBarred reports whether the debt is past the state's statute of
// limitations and the state mandates a disclosure for such debts.
func (t *JurisdictionTable) TimeBarred(state string, debt compliance.DebtDetails, now time.Time) bool {
	j, ok := t.Lookup(state)
	if !ok || !j.TimeBarredDisclosure || j.SOLYears == 0 || debt.OriginDate.IsZero() {
		return false
	}
	return now.After(debt.OriginDate.AddDate(j.SOLYears, 0, 0))
}
