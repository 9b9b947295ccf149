package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/store/memory"
	"github.com/davidleathers/debt-comms-compliance/internal/metrics"
	"github.com/davidleathers/debt-comms-compliance/internal/service/ceasedesist"
	"github.com/davidleathers/debt-comms-compliance/internal/service/frequency"
	"github.com/davidleathers/debt-comms-compliance/internal/service/letter"
	"github.com/davidleathers/debt-comms-compliance/internal/service/presend"
	"github.com/davidleathers/debt-comms-compliance/internal/service/timerestriction"
)

// 11:00 in New York
var now = time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	clock    *clock.MockClock
	events   *memory.ContactEventStore
	records  *memory.RecordStore
	flags    *memory.FlagStore
	registry *ceasedesist.Registry
	prom     *prometheus.Registry
	deps     Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.NewMockClock(now)
	prom := prometheus.NewRegistry()
	m := metrics.New(prom)

	events := memory.NewContactEventStore()
	tracker, err := frequency.NewTracker(events, clk, logger, frequency.DefaultConfig())
	require.NoError(t, err)

	zones := timerestriction.NewMapDirectory(map[string]string{"debtor-1": "America/New_York"})
	checker, err := timerestriction.NewChecker(zones, clk, logger, timerestriction.DefaultConfig())
	require.NoError(t, err)

	registry, err := ceasedesist.NewRegistry(memory.NewCeaseDesistStore(), clk, logger, nil)
	require.NoError(t, err)

	caps, err := letter.DefaultJurisdictions()
	require.NoError(t, err)

	gate, err := presend.NewGate(tracker, checker, registry, caps, clk, logger, m)
	require.NoError(t, err)

	deps := Deps{
		Records:     memory.NewRecordStore(),
		Flags:       memory.NewFlagStore(),
		Gate:        gate,
		Tracker:     tracker,
		CeaseDesist: registry,
		Clock:       clk,
		Logger:      logger,
		Metrics:     m,
	}
	svc, err := NewService(deps)
	require.NoError(t, err)

	return &fixture{
		svc:      svc,
		clock:    clk,
		events:   events,
		records:  deps.Records.(*memory.RecordStore),
		flags:    deps.Flags.(*memory.FlagStore),
		registry: registry,
		prom:     prom,
		deps:     deps,
	}
}

func outbound() LogRequest {
	return LogRequest{
		CaseID:     "case-1",
		DebtorID:   "debtor-1",
		CreditorID: "creditor-1",
		Direction:  compliance.DirectionOutbound,
		Channel:    compliance.ChannelPhone,
		Content:    "Calling about your account",
		RecordedBy: "agent-7",
	}
}

func (f *fixture) tracked() int {
	return f.events.Len(compliance.ContactKey{DebtorID: "debtor-1", CaseID: "case-1"})
}

func TestService_LogCompliantOutbound(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.Log(context.Background(), outbound())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, now, rec.Timestamp)
	assert.False(t, rec.Blocked)
	assert.Empty(t, rec.ComplianceIssues)
	assert.True(t, rec.Compliant())
	assert.Equal(t, 1, f.tracked())

	flags, err := f.svc.GetFlags(context.Background(), compliance.FlagFilter{CaseID: "case-1"})
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestService_LoggedRecordIsImmutable(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.Log(context.Background(), outbound())
	require.NoError(t, err)
	rec.Content = "tampered"
	rec.ComplianceIssues = append(rec.ComplianceIssues, compliance.ComplianceIssue{Type: "forged"})

	stored, err := f.records.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Calling about your account", stored.Content)
	assert.Empty(t, stored.ComplianceIssues)
}

func TestService_InboundIsNotEvaluated(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Register(context.Background(), ceasedesist.RegisterRequest{
		CaseID: "case-1", DebtorID: "debtor-1", Method: compliance.RequestVerbal,
	})
	require.NoError(t, err)

	req := outbound()
	req.Direction = compliance.DirectionInbound
	// 23:00 in New York
	req.Timestamp = time.Date(2024, 6, 11, 3, 0, 0, 0, time.UTC)
	f.clock.Set(req.Timestamp)

	rec, err := f.svc.Log(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, rec.Blocked)
	assert.Empty(t, rec.ComplianceIssues)
	assert.Zero(t, f.tracked())
}

func TestService_BlockedSendIsLoggedNotTracked(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Register(context.Background(), ceasedesist.RegisterRequest{
		CaseID: "case-1", DebtorID: "debtor-1", Method: compliance.RequestWritten,
	})
	require.NoError(t, err)

	rec, err := f.svc.Log(context.Background(), outbound())
	require.NoError(t, err)

	assert.True(t, rec.Blocked)
	assert.Contains(t, rec.BlockReason, "cease-and-desist")
	assert.False(t, rec.Compliant())
	assert.Zero(t, f.tracked())

	flags, err := f.svc.GetFlags(context.Background(), compliance.FlagFilter{CaseID: "case-1"})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, compliance.IssueCeaseDesistActive, flags[0].FlagType)
	assert.Equal(t, compliance.SeverityViolation, flags[0].Severity)
	require.NotNil(t, flags[0].MessageID)
	assert.Equal(t, rec.ID, *flags[0].MessageID)

	expected := `
# HELP dcc_audit_flags_created_total Compliance flags raised
# TYPE dcc_audit_flags_created_total counter
dcc_audit_flags_created_total{severity="violation",type="cease_desist_active"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.prom, strings.NewReader(expected), "dcc_audit_flags_created_total"))
}

func TestService_OutsideHoursUsesRecordTimestamp(t *testing.T) {
	f := newFixture(t)

	req := outbound()
	// 07:30 in New York
	req.Timestamp = time.Date(2024, 6, 10, 11, 30, 0, 0, time.UTC)
	rec, err := f.svc.Log(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, rec.Blocked)
	assert.Equal(t, req.Timestamp, rec.Timestamp)
	assert.Equal(t, compliance.IssueOutsideHours, rec.ComplianceIssues[0].Type)
	assert.Zero(t, f.tracked())
}

func TestService_FrequencyCapAndWarningDedupe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		f.clock.Set(now.Add(time.Duration(i) * time.Minute))
		rec, err := f.svc.Log(ctx, outbound())
		require.NoError(t, err)
		assert.False(t, rec.Blocked, "send %d", i+1)
	}
	assert.Equal(t, 7, f.tracked())

	// sends 6 and 7 ran with 2 and 1 remaining; only one open warning flag
	open := false
	warnings, err := f.svc.GetFlags(ctx, compliance.FlagFilter{
		CaseID:   "case-1",
		FlagType: compliance.IssueFrequencyApproaching,
		Resolved: &open,
	})
	require.NoError(t, err)
	assert.Len(t, warnings, 1)

	f.clock.Set(now.Add(10 * time.Minute))
	rec, err := f.svc.Log(ctx, outbound())
	require.NoError(t, err)
	assert.True(t, rec.Blocked)
	assert.True(t, strings.HasPrefix(rec.BlockReason, "contact limit reached: 7 of 7"))
	assert.Equal(t, 7, f.tracked())

	violations, err := f.svc.GetFlags(ctx, compliance.FlagFilter{
		CaseID:   "case-1",
		FlagType: compliance.IssueFrequencyExceeded,
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, compliance.SeverityViolation, violations[0].Severity)
}

// failingFlags stores records normally but cannot open flags
type failingFlags struct {
	*memory.FlagStore
}

func (failingFlags) Create(context.Context, *compliance.ComplianceFlag) error {
	return errors.NewInternalError("flag store unavailable")
}

func TestService_FlagFailureAfterAppendKeepsRecord(t *testing.T) {
	f := newFixture(t)
	deps := f.deps
	deps.Flags = failingFlags{FlagStore: memory.NewFlagStore()}
	svc, err := NewService(deps)
	require.NoError(t, err)
	ctx := context.Background()

	// the sixth send leaves 2 contacts and raises an approaching-limit warning
	for i := 0; i < 6; i++ {
		f.clock.Set(now.Add(time.Duration(i) * time.Minute))
		rec, err := svc.Log(ctx, outbound())
		require.NoError(t, err, "send %d", i+1)
		assert.False(t, rec.Blocked)
		if i == 5 {
			require.NotEmpty(t, rec.ComplianceIssues)
			assert.Equal(t, compliance.IssueFrequencyApproaching, rec.ComplianceIssues[0].Type)
		}
	}

	logs, err := svc.GetLogs(ctx, "case-1", compliance.RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 6)
	assert.Equal(t, 6, f.tracked())

	// a violation flag failing is just as survivable
	late := outbound()
	late.Timestamp = time.Date(2024, 6, 11, 2, 0, 0, 0, time.UTC)
	f.clock.Set(late.Timestamp.Add(time.Minute))
	rec, err := svc.Log(ctx, late)
	require.NoError(t, err)
	assert.True(t, rec.Blocked)
	assert.Equal(t, 6, f.tracked())
}

func TestService_LogRejectsFutureTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := outbound()
	req.Timestamp = now.Add(72 * time.Hour)
	_, err := f.svc.Log(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	logs, err := f.svc.GetLogs(ctx, "case-1", compliance.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Zero(t, f.tracked())

	res, err := f.deps.Tracker.(*frequency.Tracker).Check(ctx, "debtor-1", "case-1")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Remaining)
}

func TestService_LowercaseStateAppliesStateCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := outbound()
	req.State = "ma"
	for i := 0; i < 2; i++ {
		f.clock.Set(now.Add(time.Duration(i) * time.Minute))
		rec, err := f.svc.Log(ctx, req)
		require.NoError(t, err)
		assert.False(t, rec.Blocked)
	}

	f.clock.Set(now.Add(5 * time.Minute))
	rec, err := f.svc.Log(ctx, req)
	require.NoError(t, err)
	assert.True(t, rec.Blocked)
	assert.Equal(t, 2, f.tracked())
}

func TestService_ConcurrentLogNeverOvershootsCap(t *testing.T) {
	f := newFixture(t)

	// a second service sharing the stores behaves like another process:
	// it does not share the case lock, only the atomic store commit
	other, err := NewService(f.deps)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan *compliance.CommunicationRecord, 40)
	for i := 0; i < 40; i++ {
		svc := f.svc
		if i%2 == 1 {
			svc = other
		}
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			rec, err := svc.Log(context.Background(), outbound())
			if assert.NoError(t, err) {
				results <- rec
			}
		}(svc)
	}
	wg.Wait()
	close(results)

	sent := 0
	total := 0
	for rec := range results {
		total++
		if !rec.Blocked {
			sent++
		}
	}
	assert.Equal(t, 40, total)
	assert.Equal(t, 7, sent)
	assert.Equal(t, 7, f.tracked())
}

func TestService_Corrections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := outbound()
	req.Timestamp = time.Date(2024, 6, 10, 11, 30, 0, 0, time.UTC)
	original, err := f.svc.Log(ctx, req)
	require.NoError(t, err)
	require.True(t, original.Blocked)

	flagsBefore, err := f.svc.GetFlags(ctx, compliance.FlagFilter{CaseID: "case-1"})
	require.NoError(t, err)

	fix := outbound()
	fix.Content = "Corrected transcript"
	fix.CorrectsID = &original.ID
	correction, err := f.svc.Log(ctx, fix)
	require.NoError(t, err)

	require.NotNil(t, correction.CorrectsID)
	assert.Equal(t, original.ID, *correction.CorrectsID)
	assert.Equal(t, original.ComplianceIssues, correction.ComplianceIssues)
	assert.True(t, correction.Blocked)
	assert.Zero(t, f.tracked())

	stored, err := f.records.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, "Calling about your account", stored.Content)

	flagsAfter, err := f.svc.GetFlags(ctx, compliance.FlagFilter{CaseID: "case-1"})
	require.NoError(t, err)
	assert.Len(t, flagsAfter, len(flagsBefore))

	t.Run("unknown record", func(t *testing.T) {
		bad := outbound()
		id := uuid.New()
		bad.CorrectsID = &id
		_, err := f.svc.Log(ctx, bad)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("other case", func(t *testing.T) {
		bad := outbound()
		bad.CaseID = "case-2"
		bad.CorrectsID = &original.ID
		_, err := f.svc.Log(ctx, bad)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestService_LogRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)

	for name, mutate := range map[string]func(*LogRequest){
		"missing case":      func(r *LogRequest) { r.CaseID = "" },
		"missing debtor":    func(r *LogRequest) { r.DebtorID = "" },
		"missing channel":   func(r *LogRequest) { r.Channel = "" },
		"unknown channel":   func(r *LogRequest) { r.Channel = "pager" },
		"unknown direction": func(r *LogRequest) { r.Direction = "sideways" },
	} {
		t.Run(name, func(t *testing.T) {
			req := outbound()
			mutate(&req)
			_, err := f.svc.Log(context.Background(), req)
			assert.True(t, errors.IsValidation(err))
		})
	}

	records, err := f.svc.GetLogs(context.Background(), "case-1", compliance.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestService_CreateAndResolveFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Log(ctx, outbound())
	require.NoError(t, err)

	flag, err := f.svc.CreateFlag(ctx, FlagRequest{
		CaseID:    "case-1",
		MessageID: &rec.ID,
		FlagType:  "letter_noncompliant",
		Severity:  compliance.SeverityWarning,
		Details:   "missing itemization",
	})
	require.NoError(t, err)
	assert.Equal(t, now, flag.CreatedAt)
	assert.False(t, flag.Resolved)

	_, err = f.svc.ResolveFlag(ctx, flag.ID, "", "reviewer")
	assert.True(t, errors.IsValidation(err))
	_, err = f.svc.ResolveFlag(ctx, flag.ID, "itemization sent separately", "")
	assert.True(t, errors.IsValidation(err))

	f.clock.Advance(time.Hour)
	resolved, err := f.svc.ResolveFlag(ctx, flag.ID, "itemization sent separately", "reviewer")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, now.Add(time.Hour), *resolved.ResolvedAt)

	f.clock.Advance(time.Hour)
	again, err := f.svc.ResolveFlag(ctx, flag.ID, "second attempt", "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "itemization sent separately", again.ResolutionNotes)
	assert.Equal(t, "reviewer", again.ResolvedBy)
	assert.Equal(t, now.Add(time.Hour), *again.ResolvedAt)
	expected := `
# HELP dcc_audit_flags_resolved_total Compliance flags resolved
# TYPE dcc_audit_flags_resolved_total counter
dcc_audit_flags_resolved_total{severity="warning"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.prom, strings.NewReader(expected), "dcc_audit_flags_resolved_total"))

	_, err = f.svc.ResolveFlag(ctx, uuid.New(), "notes", "reviewer")
	assert.True(t, errors.IsNotFound(err))

	t.Run("rejects unknown message", func(t *testing.T) {
		id := uuid.New()
		_, err := f.svc.CreateFlag(ctx, FlagRequest{
			CaseID: "case-1", MessageID: &id, FlagType: "x", Severity: compliance.SeverityWarning, Details: "d",
		})
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("rejects bad severity", func(t *testing.T) {
		_, err := f.svc.CreateFlag(ctx, FlagRequest{CaseID: "case-1", FlagType: "x", Severity: "critical", Details: "d"})
		assert.True(t, errors.IsValidation(err))
	})
}

func TestService_GetLogsFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Log(ctx, outbound())
	require.NoError(t, err)
	in := outbound()
	in.Direction = compliance.DirectionInbound
	in.Channel = compliance.ChannelSMS
	in.Timestamp = now.Add(-time.Minute)
	_, err = f.svc.Log(ctx, in)
	require.NoError(t, err)

	all, err := f.svc.GetLogs(ctx, "case-1", compliance.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Timestamp.Before(all[1].Timestamp))
	assert.Equal(t, compliance.DirectionInbound, all[0].Direction)

	sms, err := f.svc.GetLogs(ctx, "case-1", compliance.RecordFilter{Channel: compliance.ChannelSMS})
	require.NoError(t, err)
	require.Len(t, sms, 1)
	assert.Equal(t, compliance.DirectionInbound, sms[0].Direction)

	_, err = f.svc.GetLogs(ctx, "", compliance.RecordFilter{})
	assert.True(t, errors.IsValidation(err))
}

func TestService_Summary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Log(ctx, outbound())
	require.NoError(t, err)

	late := outbound()
	late.Timestamp = time.Date(2024, 6, 11, 2, 0, 0, 0, time.UTC)
	f.clock.Set(late.Timestamp)
	_, err = f.svc.Log(ctx, late)
	require.NoError(t, err)

	in := outbound()
	in.Direction = compliance.DirectionInbound
	in.Channel = compliance.ChannelEmail
	_, err = f.svc.Log(ctx, in)
	require.NoError(t, err)

	sum, err := f.svc.Summary(ctx, "case-1")
	require.NoError(t, err)

	assert.Equal(t, 3, sum.TotalRecords)
	assert.Equal(t, 2, sum.ByDirection[compliance.DirectionOutbound])
	assert.Equal(t, 1, sum.ByDirection[compliance.DirectionInbound])
	assert.Equal(t, 2, sum.ByChannel[compliance.ChannelPhone])
	assert.Equal(t, 1, sum.BlockedAttempts)
	assert.Equal(t, 1, sum.NonCompliant)
	assert.Equal(t, FlagCounts{Violation: 1}, sum.OpenFlags)
	assert.Equal(t, FlagCounts{}, sum.ResolvedFlags)
	require.NotNil(t, sum.Frequency)
	assert.Equal(t, 1, sum.Frequency.Used)
	require.NotNil(t, sum.LastOutbound)
	assert.Equal(t, now, *sum.LastOutbound)
	assert.False(t, sum.CeaseDesist.Active)

	empty, err := f.svc.Summary(ctx, "case-unknown")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRecords)
	assert.Nil(t, empty.Frequency)
}

func TestService_ExportCSV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := outbound()
	req.Content = strings.Repeat("é", 150)
	tone := 0.25
	req.ToneScore = &tone
	_, err := f.svc.Log(ctx, req)
	require.NoError(t, err)

	blocked := outbound()
	blocked.Timestamp = time.Date(2024, 6, 11, 2, 0, 0, 0, time.UTC)
	f.clock.Set(blocked.Timestamp)
	_, err = f.svc.Log(ctx, blocked)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.svc.Export(ctx, &buf, ExportFormatCSV, ExportFilter{CaseID: "case-1"}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeaders, rows[0])

	assert.Equal(t, "2024-06-10T15:00:00Z", rows[1][0])
	assert.Equal(t, "case-1", rows[1][1])
	assert.Equal(t, "debtor-1", rows[1][2])
	assert.Equal(t, "outbound", rows[1][3])
	assert.Equal(t, "phone", rows[1][4])
	assert.Equal(t, strings.Repeat("é", 100), rows[1][5])
	assert.Equal(t, "0.25", rows[1][6])
	assert.Equal(t, "true", rows[1][7])
	assert.Equal(t, "", rows[1][8])

	assert.Equal(t, "", rows[2][6])
	assert.Equal(t, "false", rows[2][7])
	assert.Equal(t, "outside_permitted_hours", rows[2][8])
}

func TestService_ExportJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Log(ctx, outbound())
	require.NoError(t, err)
	other := outbound()
	other.CaseID = "case-2"
	_, err = f.svc.Log(ctx, other)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.svc.Export(ctx, &buf, ExportFormatJSON, ExportFilter{DebtorID: "debtor-1"}))

	var doc Export
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, now, doc.ExportedAt)
	assert.Len(t, doc.Records, 2)
	assert.NotNil(t, doc.Flags)

	err = f.svc.Export(ctx, &buf, "parquet", ExportFilter{})
	assert.True(t, errors.IsValidation(err))
}
