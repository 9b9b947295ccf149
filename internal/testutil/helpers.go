// Package testutil holds helpers shared by the integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/clock"
)

// Reference is a Monday 11:00 in New York, inside permitted contact hours
// for every continental US zone.
var Reference = time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)

// TestContext bounds a test's store calls. Container start-up is the slow
// part, so the limit is generous.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	return ctx
}

// Clock returns a mock clock parked at Reference
func Clock() *clock.MockClock {
	return clock.NewMockClock(Reference)
}

// Ptr returns a pointer to v, for optional record fields such as tone scores
func Ptr[T any](v T) *T {
	return &v
}
