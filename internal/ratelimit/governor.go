package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"watchlist-scanner/internal/storage"
)

const usageKeyPrefix = "watchlist:usage:"

// Limits are the configured quotas of one provider.
type Limits struct {
	PerMinute int
	PerDay    int
	MinDelay  time.Duration
}

// Decision is the verdict of CanProceed.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
}

// UsageState is the persisted per-provider counter set. The day window keys
// on the local calendar date rather than elapsed time, so a provider
// exhausted near midnight recovers at the wall-clock day boundary.
type UsageState struct {
	MinuteStart time.Time `json:"minuteStart"`
	MinuteCount int       `json:"minuteCount"`
	DayDate     string    `json:"dayDate"`
	DayCount    int       `json:"dayCount"`
	LastRequest time.Time `json:"lastRequest"`
}

// Governor gates outbound provider calls against per-minute and per-day
// quotas plus a minimum inter-request delay. Check and increment both run
// under one mutex so concurrent engines cannot double-count.
type Governor struct {
	mu     sync.Mutex
	limits map[string]Limits
	states map[string]*UsageState
	loaded map[string]bool
	kv     storage.KVStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewGovernor builds a governor for the given provider limits.
func NewGovernor(limits map[string]Limits, kv storage.KVStore, logger zerolog.Logger) *Governor {
	return &Governor{
		limits: limits,
		states: make(map[string]*UsageState),
		loaded: make(map[string]bool),
		kv:     kv,
		logger: logger.With().Str("component", "rate_governor").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the time source; test helper.
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// CanProceed reports whether a request to the provider may be issued now.
// Checks run in order: daily cap, per-minute cap, minimum delay; the first
// failing check wins and reports the remaining wait.
func (g *Governor) CanProceed(ctx context.Context, providerName string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	limits, ok := g.limits[providerName]
	if !ok {
		return Decision{Allowed: true}
	}

	state := g.loadLocked(ctx, providerName)
	now := g.now()
	g.rolloverLocked(state, now)

	if limits.PerDay > 0 && state.DayCount >= limits.PerDay {
		return Decision{
			Allowed: false,
			Wait:    nextLocalMidnight(now).Sub(now),
			Reason:  fmt.Sprintf("daily cap %d reached", limits.PerDay),
		}
	}

	if limits.PerMinute > 0 && state.MinuteCount >= limits.PerMinute {
		wait := state.MinuteStart.Add(time.Minute).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Decision{
			Allowed: false,
			Wait:    wait,
			Reason:  fmt.Sprintf("per-minute cap %d reached", limits.PerMinute),
		}
	}

	if limits.MinDelay > 0 && !state.LastRequest.IsZero() {
		elapsed := now.Sub(state.LastRequest)
		if elapsed < limits.MinDelay {
			return Decision{
				Allowed: false,
				Wait:    limits.MinDelay - elapsed,
				Reason:  "minimum inter-request delay",
			}
		}
	}

	return Decision{Allowed: true}
}

// RecordRequest counts one issued request against both windows.
func (g *Governor) RecordRequest(ctx context.Context, providerName string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.loadLocked(ctx, providerName)
	now := g.now()
	g.rolloverLocked(state, now)

	if state.MinuteStart.IsZero() || now.Sub(state.MinuteStart) >= time.Minute {
		state.MinuteStart = now
		state.MinuteCount = 0
	}
	state.MinuteCount++
	state.DayCount++
	state.LastRequest = now

	g.persistLocked(ctx, providerName, state)
}

// MarkExhausted pins the local day counter to the server-reported usage so
// further calls are denied locally without another failed round-trip.
func (g *Governor) MarkExhausted(ctx context.Context, providerName string, serverCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	limits := g.limits[providerName]
	state := g.loadLocked(ctx, providerName)
	g.rolloverLocked(state, g.now())

	pinned := limits.PerDay
	if serverCount > pinned {
		pinned = serverCount
	}
	if pinned > state.DayCount {
		state.DayCount = pinned
	}

	g.logger.Warn().Str("provider", providerName).Int("day_count", state.DayCount).
		Msg("provider reported quota exhaustion")
	g.persistLocked(ctx, providerName, state)
}

// Usage returns a copy of the current counters after rollover; used for
// stats display.
func (g *Governor) Usage(ctx context.Context, providerName string) UsageState {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.loadLocked(ctx, providerName)
	g.rolloverLocked(state, g.now())
	return *state
}

func (g *Governor) loadLocked(ctx context.Context, providerName string) *UsageState {
	if state, ok := g.states[providerName]; ok {
		return state
	}

	state := &UsageState{}
	if g.kv != nil && !g.loaded[providerName] {
		raw, found, err := g.kv.Get(ctx, usageKeyPrefix+providerName)
		if err != nil {
			g.logger.Warn().Err(err).Str("provider", providerName).Msg("usage state read failed")
		} else if found {
			if err := json.Unmarshal(raw, state); err != nil {
				g.logger.Warn().Err(err).Str("provider", providerName).Msg("usage state corrupt, resetting")
				*state = UsageState{}
			}
		}
	}
	g.loaded[providerName] = true
	g.states[providerName] = state
	return state
}

// rolloverLocked expires stale windows at read time. A persisted state from
// yesterday must reset the day counter even when dayResetTime-style elapsed
// checks would not fire.
func (g *Governor) rolloverLocked(state *UsageState, now time.Time) {
	today := localDate(now)
	if state.DayDate != today {
		state.DayDate = today
		state.DayCount = 0
	}
	if !state.MinuteStart.IsZero() && now.Sub(state.MinuteStart) >= time.Minute {
		state.MinuteStart = time.Time{}
		state.MinuteCount = 0
	}
}

func (g *Governor) persistLocked(ctx context.Context, providerName string, state *UsageState) {
	if g.kv == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := g.kv.Set(ctx, usageKeyPrefix+providerName, raw); err != nil {
		g.logger.Warn().Err(err).Str("provider", providerName).Msg("usage state write failed")
	}
}

func localDate(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

func nextLocalMidnight(t time.Time) time.Time {
	local := t.Local()
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
}
