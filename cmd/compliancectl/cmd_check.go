package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/service/ceasedesist"
	"github.com/davidleathers/debt-comms-compliance/internal/service/engine"
	"github.com/davidleathers/debt-comms-compliance/internal/service/frequency"
	"github.com/davidleathers/debt-comms-compliance/internal/service/presend"
	"github.com/davidleathers/debt-comms-compliance/internal/service/timerestriction"
)

type checkFlags struct {
	caseID      string
	debtorID    string
	channel     string
	commType    string
	state       string
	timezone    string
	at          string
	prior       int
	ceaseDesist bool
}

func newCheckCmd(c *cli) *cobra.Command {
	f := &checkFlags{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate an intended send against the pre-send gate",
		Long: `Runs the cease-and-desist, permitted-hours and contact-frequency checks
on an in-memory engine and prints the decision as JSON. Prior contacts and
an active cease-and-desist can be simulated with flags. Exits non-zero when
the send would be blocked.

Example:
  compliancectl check --case C-1 --debtor D-1 --channel phone --timezone America/Chicago --prior 6`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), c, f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.caseID, "case", "", "case id")
	cmd.Flags().StringVar(&f.debtorID, "debtor", "", "debtor id")
	cmd.Flags().StringVar(&f.channel, "channel", "", "phone, sms, email, letter or portal")
	cmd.Flags().StringVar(&f.commType, "type", "", "communication type, e.g. payment_reminder")
	cmd.Flags().StringVar(&f.state, "state", "", "two-letter debtor state")
	cmd.Flags().StringVar(&f.timezone, "timezone", "", "debtor IANA timezone; unknown zones are checked conservatively")
	cmd.Flags().StringVar(&f.at, "at", "", "send time in RFC 3339 (default now)")
	cmd.Flags().IntVar(&f.prior, "prior", 0, "contacts already made in the last day")
	cmd.Flags().BoolVar(&f.ceaseDesist, "cease-desist", false, "simulate an active written cease-and-desist")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("debtor")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func runCheck(ctx context.Context, c *cli, f *checkFlags, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	at := time.Now().UTC()
	if f.at != "" {
		parsed, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		at = parsed.UTC()
	}
	clk := clock.NewMockClock(at)

	zones := map[string]string{}
	if f.timezone != "" {
		zones[f.debtorID] = f.timezone
	}

	e, err := engine.New(c.cfg, engine.MemoryStores(),
		engine.WithClock(clk),
		engine.WithLogger(c.logger),
		engine.WithDirectory(timerestriction.NewMapDirectory(zones)),
	)
	if err != nil {
		return err
	}

	for i := 0; i < f.prior; i++ {
		// spread over the previous day, oldest first
		ts := at.Add(-time.Duration(f.prior-i) * 24 * time.Hour / time.Duration(f.prior+1))
		if _, err := e.Frequency.Record(ctx, frequency.ContactEvent{
			DebtorID:  f.debtorID,
			CaseID:    f.caseID,
			Channel:   compliance.ChannelPhone,
			Direction: compliance.DirectionOutbound,
			Timestamp: ts,
		}); err != nil {
			return err
		}
	}

	if f.ceaseDesist {
		if _, err := e.CeaseDesist.Register(ctx, ceasedesist.RegisterRequest{
			CaseID:   f.caseID,
			DebtorID: f.debtorID,
			Method:   compliance.RequestWritten,
		}); err != nil {
			return err
		}
	}

	res, err := e.Gate.Evaluate(ctx, presend.Request{
		CaseID:            f.caseID,
		DebtorID:          f.debtorID,
		Channel:           compliance.Channel(f.channel),
		CommunicationType: compliance.CommunicationType(f.commType),
		State:             f.state,
		At:                at,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}

	if !res.Allowed {
		return fmt.Errorf("send blocked: %s", res.BlockReason)
	}
	return nil
}
