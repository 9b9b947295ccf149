package querybuilder

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
)

func TestSelect_Build(t *testing.T) {
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		build    func() *Select
		wantSQL  string
		wantArgs []any
		wantErr  bool
	}{
		{
			name:     "select all",
			build:    func() *Select { return From("t") },
			wantSQL:  "SELECT * FROM t",
			wantArgs: []any{},
		},
		{
			name: "predicates and order",
			build: func() *Select {
				return From("t", "a", "b").Where("a", Eq, 1).Where("b", Gt, 2).OrderBy("a", "b")
			},
			wantSQL:  "SELECT a, b FROM t WHERE a = $1 AND b > $2 ORDER BY a ASC, b ASC",
			wantArgs: []any{1, 2},
		},
		{
			name:     "empty values are skipped",
			build:    func() *Select { return From("t").EqIf("a", "").EqIf("b", "x") },
			wantSQL:  "SELECT * FROM t WHERE b = $1",
			wantArgs: []any{"x"},
		},
		{
			name:     "open-ended range",
			build:    func() *Select { return From("t").Within("ts", &since, nil) },
			wantSQL:  "SELECT * FROM t WHERE ts >= $1",
			wantArgs: []any{since},
		},
		{
			name:     "limit is parameterized",
			build:    func() *Select { return From("t").EqIf("a", "v").Limit(10) },
			wantSQL:  "SELECT * FROM t WHERE a = $1 LIMIT $2",
			wantArgs: []any{"v", 10},
		},
		{
			name:     "non-positive limit ignored",
			build:    func() *Select { return From("t").Limit(-1) },
			wantSQL:  "SELECT * FROM t",
			wantArgs: []any{},
		},
		{
			name:    "missing table",
			build:   func() *Select { return From("", "a") },
			wantErr: true,
		},
		{
			name:    "unknown operator",
			build:   func() *Select { return From("t").Where("a", Op("LIKE"), "%x%") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := tt.build().Build()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestRecordQuery(t *testing.T) {
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	until := since.AddDate(0, 1, 0)

	t.Run("empty filter", func(t *testing.T) {
		sql, params, err := RecordQuery(compliance.RecordFilter{}).Build()
		require.NoError(t, err)
		assert.Contains(t, sql, "FROM communication_records ORDER BY timestamp ASC, seq ASC")
		assert.NotContains(t, sql, "WHERE")
		assert.Empty(t, params)
	})

	t.Run("full filter", func(t *testing.T) {
		sql, params, err := RecordQuery(compliance.RecordFilter{
			CaseID:    "c1",
			DebtorID:  "d1",
			Direction: compliance.DirectionOutbound,
			Channel:   compliance.ChannelEmail,
			Since:     &since,
			Until:     &until,
			Limit:     5,
		}).Build()
		require.NoError(t, err)
		assert.Contains(t, sql, "WHERE case_id = $1 AND debtor_id = $2 AND direction = $3 AND channel = $4 AND timestamp >= $5 AND timestamp <= $6")
		assert.Contains(t, sql, "LIMIT $7")
		assert.Equal(t, []any{"c1", "d1", "outbound", "email", since, until, 5}, params)
	})
}

func TestFlagQuery(t *testing.T) {
	id := uuid.New()
	open := false

	sql, params, err := FlagQuery(compliance.FlagFilter{
		CaseID:    "c1",
		MessageID: &id,
		Severity:  compliance.SeverityWarning,
		Resolved:  &open,
	}).Build()
	require.NoError(t, err)
	assert.Contains(t, sql, "FROM compliance_flags WHERE case_id = $1 AND message_id = $2 AND severity = $3 AND resolved = $4")
	assert.Contains(t, sql, "ORDER BY created_at ASC, seq ASC")
	assert.Equal(t, []any{"c1", id, "warning", false}, params)
}
