package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/pkg/observability"
)

func TestParseKillSwitchMode(t *testing.T) {
	assert.Equal(t, ModeThrottle, ParseKillSwitchMode("throttle"))
	assert.Equal(t, ModeDegrade, ParseKillSwitchMode("degrade"))
	assert.Equal(t, ModeOff, ParseKillSwitchMode("off"))
	// Unknown values fail safe.
	assert.Equal(t, ModeKill, ParseKillSwitchMode("shutdown"))
}

func TestKillSwitchManualModes(t *testing.T) {
	ctx := context.Background()
	ks := NewKillSwitch(nil, observability.NewNoopLogger())

	d := ks.Check(ctx)
	assert.False(t, d.Blocked)
	assert.Equal(t, ModeOff, d.Mode)

	ks.Enable(ModeKill, "maintenance")
	d = ks.Check(ctx)
	assert.True(t, d.Blocked)
	assert.Equal(t, "maintenance", d.Reason)
	assert.Equal(t, int64(3600), d.RetryAfter)

	ks.Enable(ModeDegrade, "")
	d = ks.Check(ctx)
	assert.False(t, d.Blocked)
	assert.Equal(t, "cheap", d.ForceTier)

	ks.Enable(ModeThrottle, "")
	d = ks.Check(ctx)
	assert.False(t, d.Blocked)
	assert.Equal(t, 2*time.Second, d.ThrottleDelay)

	ks.Disable()
	d = ks.Check(ctx)
	assert.False(t, d.Blocked)
	assert.Equal(t, ModeOff, d.Mode)
}

func TestKillSwitchBudgetTriggers(t *testing.T) {
	ctx := context.Background()

	t.Run("hard limit kills", func(t *testing.T) {
		budget := newTestBudget(t, 1, 2, 3)
		require.NoError(t, budget.RecordSpend(ctx, 3, "premium", "m", 1, 1))
		ks := NewKillSwitch(budget, observability.NewNoopLogger())

		d := ks.Check(ctx)
		assert.True(t, d.Blocked)
		assert.Equal(t, ModeKill, d.Mode)
		assert.Equal(t, "Daily budget exhausted", d.Reason)
		assert.Positive(t, d.RetryAfter)

		// The automatic kill latches: later checks hit the manual path.
		d = ks.Check(ctx)
		assert.True(t, d.Blocked)
		assert.Equal(t, "Budget hard limit reached", d.Reason)
	})

	t.Run("medium limit degrades", func(t *testing.T) {
		budget := newTestBudget(t, 1, 2, 10)
		require.NoError(t, budget.RecordSpend(ctx, 2, "premium", "m", 1, 1))
		ks := NewKillSwitch(budget, observability.NewNoopLogger())

		d := ks.Check(ctx)
		assert.False(t, d.Blocked)
		assert.Equal(t, ModeDegrade, d.Mode)
		assert.Equal(t, "cheap", d.ForceTier)
	})
}

func TestKillSwitchErrorRateThrottles(t *testing.T) {
	ctx := context.Background()
	ks := NewKillSwitch(nil, observability.NewNoopLogger())

	// Below the minimum sample the rate never counts.
	for i := 0; i < 9; i++ {
		ks.RecordRequest(false)
	}
	d := ks.Check(ctx)
	assert.Equal(t, ModeOff, d.Mode)

	ks.RecordRequest(false)
	d = ks.Check(ctx)
	assert.False(t, d.Blocked)
	assert.Equal(t, ModeThrottle, d.Mode)
	assert.Equal(t, 2*time.Second, d.ThrottleDelay)
}

func TestKillSwitchErrorWindowResets(t *testing.T) {
	ks := NewKillSwitch(nil, observability.NewNoopLogger())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ks.now = func() time.Time { return now }
	ks.lastErrorCheck = now

	for i := 0; i < 10; i++ {
		ks.RecordRequest(false)
	}
	assert.Equal(t, 1.0, ks.Status().ErrorRate)

	now = now.Add(2 * time.Minute)
	ks.RecordRequest(true)
	st := ks.Status()
	assert.Equal(t, 1, st.RecentRequests)
	assert.Equal(t, 0, st.RecentErrors)
}

func TestKillSwitchStatus(t *testing.T) {
	ks := NewKillSwitch(nil, observability.NewNoopLogger())
	st := ks.Status()
	assert.Equal(t, ModeOff, st.Mode)
	assert.Nil(t, st.ActivatedAt)

	ks.Enable(ModeDegrade, "testing degrade")
	st = ks.Status()
	assert.Equal(t, ModeDegrade, st.Mode)
	assert.Equal(t, "manual", st.ActivatedBy)
	require.NotNil(t, st.ActivatedAt)
}
