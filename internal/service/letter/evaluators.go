package letter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
)

// Evaluator inspects normalized letter text for one rule. It returns whether
// the rule passed and a human-readable detail line.
type Evaluator func(text string, rule *Rule, vctx compliance.ValidationContext) (bool, string)

// Built-in rule kinds
const (
	KindAnyOf        = "any_of"
	KindAllOf        = "all_of"
	KindProhibited   = "prohibited"
	KindDebtAmount   = "debt_amount"
	KindCreditorName = "creditor_name"
)

// amountToken matches a stated amount: anything with cents, or a whole
// amount carrying a dollar sign. Bare whole numbers are dates, phone numbers
// and day counts far more often than balances.
var amountToken = regexp.MustCompile(`\$?\s?\d[\d,]*\.\d{2}\b|\$\s?\d[\d,]*`)

func builtinEvaluators() map[string]Evaluator {
	return map[string]Evaluator{
		KindAnyOf:        evalAnyOf,
		KindAllOf:        evalAllOf,
		KindProhibited:   evalProhibited,
		KindDebtAmount:   evalDebtAmount,
		KindCreditorName: evalCreditorName,
	}
}

// firstMatch returns the first phrase or pattern found in text
func firstMatch(text string, phrases []string, patterns []*regexp.Regexp) (string, bool) {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, p) {
			return p, true
		}
	}
	for _, re := range patterns {
		if m := re.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}

func evalAnyOf(text string, rule *Rule, _ compliance.ValidationContext) (bool, string) {
	if m, ok := firstMatch(text, rule.Phrases, rule.compiled); ok {
		return true, fmt.Sprintf("found %q", m)
	}
	return false, "none of the accepted phrasings were found"
}

func evalAllOf(text string, rule *Rule, _ compliance.ValidationContext) (bool, string) {
	var missing []string
	for _, group := range rule.Groups {
		if _, ok := firstMatch(text, group, nil); !ok {
			missing = append(missing, strings.Join(group, " / "))
		}
	}
	if len(missing) > 0 {
		return false, "missing: " + strings.Join(missing, "; ")
	}
	return true, "all required elements present"
}

func evalProhibited(text string, rule *Rule, _ compliance.ValidationContext) (bool, string) {
	if m, ok := firstMatch(text, rule.Phrases, rule.compiled); ok {
		return false, fmt.Sprintf("prohibited language %q", m)
	}
	return true, "no prohibited language"
}

func evalDebtAmount(text string, _ *Rule, vctx compliance.ValidationContext) (bool, string) {
	amounts := statedAmounts(text)
	total := vctx.Debt.Total()
	if total.IsZero() {
		if len(amounts) > 0 {
			return true, fmt.Sprintf("found amount $%s", groupThousands(amounts[0].StringFixed(2)))
		}
		return false, "no dollar amount stated"
	}

	want := groupThousands(total.StringFixed(2))
	for _, a := range amounts {
		if a.Equal(total) {
			return true, fmt.Sprintf("found amount $%s", want)
		}
	}
	return false, fmt.Sprintf("total due $%s not stated", want)
}

// statedAmounts parses every amount token in text. Each token is compared as
// a whole, so $11,234.56 never satisfies a $1,234.56 balance.
func statedAmounts(text string) []decimal.Decimal {
	tokens := amountToken.FindAllString(text, -1)
	out := make([]decimal.Decimal, 0, len(tokens))
	for _, tok := range tokens {
		digits := strings.NewReplacer("$", "", ",", "", " ", "").Replace(tok)
		d, err := decimal.NewFromString(digits)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

func groupThousands(s string) string {
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	sign := ""
	if strings.HasPrefix(intPart, "-") {
		sign, intPart = "-", intPart[1:]
	}

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + frac
}

func evalCreditorName(text string, rule *Rule, vctx compliance.ValidationContext) (bool, string) {
	if name := normalize(vctx.Debt.CreditorName); name != "" {
		if strings.Contains(text, name) {
			return true, fmt.Sprintf("creditor %q named", vctx.Debt.CreditorName)
		}
		return false, fmt.Sprintf("creditor %q not named", vctx.Debt.CreditorName)
	}

	if m, ok := firstMatch(text, rule.Phrases, rule.compiled); ok {
		return true, fmt.Sprintf("creditor statement %q found", m)
	}
	return false, "no creditor identified"
}
