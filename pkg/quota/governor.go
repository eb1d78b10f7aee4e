// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/mail-courier/pkg/metrics"
)

// Reason explains why a Decision refused admission.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRateLimited Reason = "rate_limited"
	ReasonDailyQuota  Reason = "daily_quota"
	ReasonUserQuota   Reason = "user_quota"
)

const globalKey = "daily:global"

// Config holds the governor limits.
type Config struct {
	DailyLimit int
	// UserLimit is the per-user daily limit. Zero derives it from UserShare.
	UserLimit         int
	UserShare         float64
	RequestsPerSecond int
	SweepInterval     time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DailyLimit:        10000,
		UserShare:         0.25,
		RequestsPerSecond: 10,
		SweepInterval:     5 * time.Minute,
	}
}

// Decision is the governor's answer to Validate.
type Decision struct {
	CanSend           bool          `json:"can_send"`
	QuotaRemaining    int           `json:"quota_remaining"`
	EstimatedDelay    time.Duration `json:"estimated_delay"`
	NextAvailableSlot time.Time     `json:"next_available_slot"`
	Reason            Reason        `json:"reason,omitempty"`
}

// counter is a QuotaCounter or a RequestTracker entry. A counter whose resetAt
// has passed reads as zero.
type counter struct {
	used    int
	resetAt time.Time
}

// Governor owns the quota counters and request trackers. All reads and
// read-modify-writes go through mu.
type Governor struct {
	config Config
	clock  clock.PassiveClock
	logger *zap.SugaredLogger

	mu       sync.Mutex
	counters map[string]*counter
	trackers map[int64]*counter
}

// NewGovernor creates a governor. A nil clock uses the wall clock.
func NewGovernor(cfg Config, clk clock.PassiveClock, logger *zap.SugaredLogger) *Governor {
	def := DefaultConfig()
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = def.DailyLimit
	}
	if cfg.UserShare <= 0 || cfg.UserShare > 1 {
		cfg.UserShare = def.UserShare
	}
	if cfg.UserLimit <= 0 {
		cfg.UserLimit = int(float64(cfg.DailyLimit) * cfg.UserShare)
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	logger.Infow("Initializing quota governor",
		"dailyLimit", cfg.DailyLimit,
		"userLimit", cfg.UserLimit,
		"requestsPerSecond", cfg.RequestsPerSecond)

	return &Governor{
		config:   cfg,
		clock:    clk,
		logger:   logger.Named("governor"),
		counters: make(map[string]*counter),
		trackers: make(map[int64]*counter),
	}
}

// Config returns the effective limits.
func (g *Governor) Config() Config {
	return g.config
}

func userKey(user string) string {
	return "daily:user:" + user
}

// NextReset returns the next local midnight after t.
func NextReset(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// usageLocked must be called with mu held.
func (g *Governor) usageLocked(key string, now time.Time) int {
	c, ok := g.counters[key]
	if !ok || !now.Before(c.resetAt) {
		return 0
	}
	return c.used
}

// currentRateLocked must be called with mu held.
func (g *Governor) currentRateLocked(now time.Time) int {
	t, ok := g.trackers[now.Unix()]
	if !ok || !now.Before(t.resetAt) {
		return 0
	}
	return t.used
}

// Validate decides whether user may consume requiredUnits now. It never
// mutates counters and never fails; a refusal carries a delay estimate.
func (g *Governor) Validate(user string, requiredUnits int) Decision {
	if requiredUnits < 0 {
		requiredUnits = 0
	}
	now := g.clock.Now()

	g.mu.Lock()
	dailyUsed := g.usageLocked(globalKey, now)
	userUsed := g.usageLocked(userKey(user), now)
	current := g.currentRateLocked(now)
	g.mu.Unlock()

	dailyAvailable := g.config.DailyLimit - dailyUsed
	userAvailable := g.config.UserLimit - userUsed

	dailyOK := dailyAvailable >= requiredUnits
	userOK := userAvailable >= requiredUnits
	rateOK := current < g.config.RequestsPerSecond

	remaining := min(dailyAvailable, userAvailable) - requiredUnits
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		CanSend:        dailyOK && userOK && rateOK,
		QuotaRemaining: remaining,
	}

	switch {
	case d.CanSend:
		d.NextAvailableSlot = now
		metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()
	case !rateOK:
		excess := current + 1 - g.config.RequestsPerSecond
		seconds := int(math.Ceil(float64(excess) / float64(g.config.RequestsPerSecond)))
		if seconds < 1 {
			seconds = 1
		}
		d.Reason = ReasonRateLimited
		d.EstimatedDelay = time.Duration(seconds) * time.Second
		d.NextAvailableSlot = now.Add(d.EstimatedDelay)
	default:
		d.Reason = ReasonDailyQuota
		if dailyOK {
			d.Reason = ReasonUserQuota
		}
		d.NextAvailableSlot = NextReset(now)
		d.EstimatedDelay = d.NextAvailableSlot.Sub(now)
	}

	if !d.CanSend {
		metrics.AdmissionDecisions.WithLabelValues(string(d.Reason)).Inc()
		g.logger.Debugw("Admission refused",
			"user", user,
			"requiredUnits", requiredUnits,
			"reason", d.Reason,
			"estimatedDelay", d.EstimatedDelay.String())
	}
	return d
}

// incrementLocked applies a lazy reset-on-write: an expired counter is
// replaced by the increment instead of added to.
func (g *Governor) incrementLocked(key string, units int, now time.Time) int {
	c, ok := g.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: NextReset(now)}
		g.counters[key] = c
	}
	c.used += units
	return c.used
}

// RecordUsage charges units to both the global and the user daily counters.
func (g *Governor) RecordUsage(user string, units int) {
	if units <= 0 {
		return
	}
	now := g.clock.Now()

	g.mu.Lock()
	daily := g.incrementLocked(globalKey, units, now)
	g.incrementLocked(userKey(user), units, now)
	g.mu.Unlock()

	metrics.QuotaUnitsUsed.Add(float64(units))
	metrics.QuotaDailyUsage.Set(float64(daily))
}

// RecordAttempt counts one provider request in the current one-second window.
func (g *Governor) RecordAttempt() {
	now := g.clock.Now()
	sec := now.Unix()

	g.mu.Lock()
	t, ok := g.trackers[sec]
	if !ok || !now.Before(t.resetAt) {
		t = &counter{resetAt: time.Unix(sec+1, 0)}
		g.trackers[sec] = t
	}
	t.used++
	g.mu.Unlock()

	metrics.SendAttemptsRecorded.Inc()
}

// Usage returns the units used today globally and by user.
func (g *Governor) Usage(user string) (daily, perUser int) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usageLocked(globalKey, now), g.usageLocked(userKey(user), now)
}

// Sweep deletes counters and trackers whose reset boundary has passed and
// returns how many entries were removed. Reads already treat such entries as
// zero, so sweeping only bounds memory.
func (g *Governor) Sweep() int {
	now := g.clock.Now()
	removed := 0

	g.mu.Lock()
	for k, c := range g.counters {
		if !now.Before(c.resetAt) {
			delete(g.counters, k)
			removed++
		}
	}
	for k, t := range g.trackers {
		if !now.Before(t.resetAt) {
			delete(g.trackers, k)
			removed++
		}
	}
	g.mu.Unlock()

	metrics.GovernorSweeps.Inc()
	if removed > 0 {
		g.logger.Debugw("Swept expired quota counters", "removed", removed)
	}
	return removed
}

// Start runs the periodic sweep until ctx is cancelled.
func (g *Governor) Start(ctx context.Context) {
	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Quota sweep stopped")
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Stats is an operator snapshot of the governor.
type Stats struct {
	DailyLimit        int            `json:"daily_limit"`
	UserLimit         int            `json:"user_limit"`
	RequestsPerSecond int            `json:"requests_per_second"`
	DailyUsed         int            `json:"daily_used"`
	CurrentRate       int            `json:"current_rate"`
	UserUsage         map[string]int `json:"user_usage"`
	NextReset         time.Time      `json:"next_reset"`
}

// Stats returns a snapshot of the live counters.
func (g *Governor) Stats() Stats {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Stats{
		DailyLimit:        g.config.DailyLimit,
		UserLimit:         g.config.UserLimit,
		RequestsPerSecond: g.config.RequestsPerSecond,
		DailyUsed:         g.usageLocked(globalKey, now),
		CurrentRate:       g.currentRateLocked(now),
		UserUsage:         make(map[string]int),
		NextReset:         NextReset(now),
	}
	prefix := userKey("")
	for k := range g.counters {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			if used := g.usageLocked(k, now); used > 0 {
				s.UserUsage[k[len(prefix):]] = used
			}
		}
	}
	return s
}
