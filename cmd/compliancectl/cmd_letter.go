package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/service/letter"
)

type letterFlags struct {
	state            string
	principal        string
	interest         string
	fees             string
	originDate       string
	creditor         string
	originalCreditor string
	account          string
	ruleSet          string
	asJSON           bool
}

func newValidateLetterCmd(c *cli) *cobra.Command {
	f := &letterFlags{}

	cmd := &cobra.Command{
		Use:   "validate-letter <file|->",
		Short: "Validate a collection letter against the letter rule set",
		Long: `Checks a letter's text for the required disclosures, the debt amount,
the creditor name and prohibited language. Exits non-zero when the letter
is not compliant.

Example:
  compliancectl validate-letter notice.txt --state CA --principal 1200.50 --creditor "Acme Bank"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return runValidateLetter(c, f, cmd.OutOrStdout(), content)
		},
	}

	cmd.Flags().StringVar(&f.state, "state", "", "two-letter debtor state")
	cmd.Flags().StringVar(&f.principal, "principal", "0", "principal amount")
	cmd.Flags().StringVar(&f.interest, "interest", "0", "interest amount")
	cmd.Flags().StringVar(&f.fees, "fees", "0", "fees amount")
	cmd.Flags().StringVar(&f.originDate, "origin-date", "", "date the debt originated (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.creditor, "creditor", "", "current creditor name")
	cmd.Flags().StringVar(&f.originalCreditor, "original-creditor", "", "original creditor name")
	cmd.Flags().StringVar(&f.account, "account", "", "account number")
	cmd.Flags().StringVar(&f.ruleSet, "rule-set", "", "rule set version (default from config, else latest)")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func runValidateLetter(c *cli, f *letterFlags, out io.Writer, content string) error {
	debt, err := f.debtDetails()
	if err != nil {
		return err
	}

	version := c.cfg.Letter.RuleSetVersion
	if f.ruleSet != "" {
		version = f.ruleSet
	}
	var opts []letter.Option
	if version != "" {
		opts = append(opts, letter.WithRuleSetVersion(version))
	}

	v, err := letter.NewValidator(nil, c.logger, opts...)
	if err != nil {
		return err
	}

	res, err := v.Validate(content, compliance.ValidationContext{
		State: strings.ToUpper(f.state),
		Debt:  debt,
	})
	if err != nil {
		return err
	}

	if f.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printLetterResult(out, res)
	}

	if !res.IsCompliant {
		return fmt.Errorf("letter is not compliant")
	}
	return nil
}

func (f *letterFlags) debtDetails() (compliance.DebtDetails, error) {
	var d compliance.DebtDetails
	var err error

	if d.Principal, err = decimal.NewFromString(f.principal); err != nil {
		return d, fmt.Errorf("--principal: %w", err)
	}
	if d.Interest, err = decimal.NewFromString(f.interest); err != nil {
		return d, fmt.Errorf("--interest: %w", err)
	}
	if d.Fees, err = decimal.NewFromString(f.fees); err != nil {
		return d, fmt.Errorf("--fees: %w", err)
	}
	if f.originDate != "" {
		if d.OriginDate, err = time.Parse(time.DateOnly, f.originDate); err != nil {
			return d, fmt.Errorf("--origin-date: %w", err)
		}
	}
	d.CreditorName = f.creditor
	d.OriginalCreditor = f.originalCreditor
	d.AccountNumber = f.account
	return d, nil
}

func printLetterResult(out io.Writer, res *compliance.LetterValidationResult) {
	status := "COMPLIANT"
	if !res.IsCompliant {
		status = "NOT COMPLIANT"
	}
	fmt.Fprintf(out, "%s  score %d  rule set %s\n", status, res.Score, res.RuleSetVersion)

	for _, check := range res.Checks {
		if !check.Applicable {
			continue
		}
		mark := "ok  "
		if !check.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(out, "  [%s] %-32s %s\n", mark, check.Name, check.Section)
	}
	for _, m := range res.MissingRequirements {
		fmt.Fprintf(out, "missing: %s\n", m)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	for _, s := range res.Suggestions {
		fmt.Fprintf(out, "suggestion: %s\n", s)
	}
}

// readInput reads a file, or stdin for "-"
func readInput(stdin io.Reader, name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
