package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/gateway/pkg/observability"
)

// KillSwitchMode is the switch's operating mode.
type KillSwitchMode string

const (
	ModeOff      KillSwitchMode = "off"
	ModeThrottle KillSwitchMode = "throttle"
	ModeDegrade  KillSwitchMode = "degrade"
	ModeKill     KillSwitchMode = "kill"
)

// ParseKillSwitchMode maps a string to a mode, defaulting to kill for
// unknown values so a mistyped manual activation still fails safe.
func ParseKillSwitchMode(s string) KillSwitchMode {
	switch KillSwitchMode(s) {
	case ModeOff, ModeThrottle, ModeDegrade, ModeKill:
		return KillSwitchMode(s)
	}
	return ModeKill
}

// minimum sample before the error rate counts
const errorRateMinSample = 10

// KillDecision is the outcome of a kill switch check.
type KillDecision struct {
	Blocked       bool           `json:"blocked"`
	Mode          KillSwitchMode `json:"mode"`
	Reason        string         `json:"reason"`
	RetryAfter    int64          `json:"retry_after,omitempty"`
	ForceTier     string         `json:"force_tier,omitempty"`
	ThrottleDelay time.Duration  `json:"throttle_delay,omitempty"`
}

// KillSwitch is the global emergency control. Manual state wins over
// automatic triggers; automatic triggers are the budget guard (hard
// limit kills, medium limit degrades) and the recent error rate
// (throttles).
type KillSwitch struct {
	mu sync.Mutex

	budget         *BudgetGuard
	errorThreshold float64
	throttleDelay  time.Duration

	mode        KillSwitchMode
	reason      string
	activatedAt time.Time
	activatedBy string

	recentRequests int
	recentErrors   int
	lastErrorCheck time.Time

	logger observability.Logger
	now    func() time.Time
}

// NewKillSwitch builds the switch. budget may be nil, disabling the
// budget-driven triggers.
func NewKillSwitch(budget *BudgetGuard, logger observability.Logger) *KillSwitch {
	ks := &KillSwitch{
		budget:         budget,
		errorThreshold: 0.5,
		throttleDelay:  2 * time.Second,
		mode:           ModeOff,
		logger:         logger.WithPrefix("kill_switch"),
		now:            time.Now,
	}
	ks.lastErrorCheck = ks.now()
	return ks
}

// Check evaluates the switch in priority order: manual kill, manual
// degrade, manual throttle, budget hard, budget medium, error rate.
func (k *KillSwitch) Check(ctx context.Context) KillDecision {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch k.mode {
	case ModeKill:
		reason := k.reason
		if reason == "" {
			reason = "Kill switch active"
		}
		return KillDecision{Blocked: true, Mode: ModeKill, Reason: reason, RetryAfter: 3600}
	case ModeDegrade:
		return KillDecision{
			Blocked:   false,
			Mode:      ModeDegrade,
			Reason:    "Degraded mode - only cheap tier",
			ForceTier: "cheap",
		}
	case ModeThrottle:
		return KillDecision{
			Blocked:       false,
			Mode:          ModeThrottle,
			Reason:        "Throttle mode active",
			ThrottleDelay: k.throttleDelay,
		}
	}

	if k.budget != nil {
		status, err := k.budget.GetStatus(ctx)
		if err != nil {
			k.logger.Warn("budget status unavailable", map[string]interface{}{"error": err})
		} else {
			switch status.Level {
			case BudgetHard:
				k.activateLocked(ModeKill, "Budget hard limit reached", "budget")
				return KillDecision{
					Blocked:    true,
					Mode:       ModeKill,
					Reason:     "Daily budget exhausted",
					RetryAfter: status.ResetIn,
				}
			case BudgetMedium:
				return KillDecision{
					Blocked:   false,
					Mode:      ModeDegrade,
					Reason:    "Budget medium limit - premium throttled",
					ForceTier: "cheap",
				}
			}
		}
	}

	if rate := k.errorRateLocked(); rate > k.errorThreshold {
		k.activateLocked(ModeThrottle, fmt.Sprintf("High error rate: %.0f%%", rate*100), "error_rate")
		return KillDecision{
			Blocked:       false,
			Mode:          ModeThrottle,
			Reason:        fmt.Sprintf("High error rate (%.0f%%)", rate*100),
			ThrottleDelay: k.throttleDelay,
		}
	}

	return KillDecision{Blocked: false, Mode: ModeOff, Reason: "Normal operation"}
}

// Enable manually activates the switch in the given mode.
func (k *KillSwitch) Enable(mode KillSwitchMode, reason string) {
	if reason == "" {
		reason = "Manual activation"
	}
	k.mu.Lock()
	k.activateLocked(mode, reason, "manual")
	k.mu.Unlock()
	k.logger.Warn("kill switch enabled", map[string]interface{}{
		"mode":   string(mode),
		"reason": reason,
	})
}

// Disable returns the switch to normal operation.
func (k *KillSwitch) Disable() {
	k.mu.Lock()
	k.mode = ModeOff
	k.reason = ""
	k.activatedAt = time.Time{}
	k.activatedBy = ""
	k.mu.Unlock()
	k.logger.Info("kill switch disabled", nil)
}

// caller holds k.mu
func (k *KillSwitch) activateLocked(mode KillSwitchMode, reason, by string) {
	k.mode = mode
	k.reason = reason
	k.activatedAt = k.now()
	k.activatedBy = by
}

// RecordRequest feeds the error rate tracker. Counters reset each
// minute so the rate reflects recent behaviour only.
func (k *KillSwitch) RecordRequest(success bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.lastErrorCheck) > time.Minute {
		k.recentRequests = 0
		k.recentErrors = 0
		k.lastErrorCheck = now
	}
	k.recentRequests++
	if !success {
		k.recentErrors++
	}
}

// caller holds k.mu
func (k *KillSwitch) errorRateLocked() float64 {
	if k.recentRequests < errorRateMinSample {
		return 0
	}
	return float64(k.recentErrors) / float64(k.recentRequests)
}

// KillSwitchStatus is the switch's observable state.
type KillSwitchStatus struct {
	Mode           KillSwitchMode `json:"mode"`
	Reason         string         `json:"reason"`
	ActivatedAt    *time.Time     `json:"activated_at,omitempty"`
	ActivatedBy    string         `json:"activated_by"`
	ErrorRate      float64        `json:"error_rate"`
	RecentRequests int            `json:"recent_requests"`
	RecentErrors   int            `json:"recent_errors"`
}

// Status reports the current state and error tracking counters.
func (k *KillSwitch) Status() KillSwitchStatus {
	k.mu.Lock()
	defer k.mu.Unlock()

	st := KillSwitchStatus{
		Mode:           k.mode,
		Reason:         k.reason,
		ActivatedBy:    k.activatedBy,
		ErrorRate:      k.errorRateLocked(),
		RecentRequests: k.recentRequests,
		RecentErrors:   k.recentErrors,
	}
	if !k.activatedAt.IsZero() {
		at := k.activatedAt
		st.ActivatedAt = &at
	}
	return st
}
