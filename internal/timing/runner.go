package timing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Warning identifies the remaining-time notices shown to the user.
type Warning string

const (
	WarningThreeMinutes Warning = "three_minutes_remaining"
	WarningOneMinute    Warning = "one_minute_remaining"
)

// Config tunes the timer subsystem. Thresholds are configurable so tests can
// run sessions on short horizons; production uses the defaults.
type Config struct {
	MaxDuration      time.Duration
	TickInterval     time.Duration
	WatchdogInterval time.Duration
	DriftBound       time.Duration
	WarningHold      time.Duration

	// A warning fires when remaining time first drops into (Low, High].
	EarlyWarnHigh time.Duration
	EarlyWarnLow  time.Duration
	LateWarnHigh  time.Duration
	LateWarnLow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDuration <= 0 {
		c.MaxDuration = 13 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 3 * time.Second
	}
	if c.DriftBound <= 0 {
		c.DriftBound = 2 * time.Second
	}
	if c.WarningHold <= 0 {
		c.WarningHold = 3 * time.Second
	}
	if c.EarlyWarnHigh <= 0 {
		c.EarlyWarnHigh = 3 * time.Minute
	}
	if c.EarlyWarnLow <= 0 {
		c.EarlyWarnLow = 2 * time.Minute
	}
	if c.LateWarnHigh <= 0 {
		c.LateWarnHigh = time.Minute
	}
	if c.LateWarnLow <= 0 {
		c.LateWarnLow = 30 * time.Second
	}
	return c
}

// Callbacks receive clock updates. They are invoked from the runner
// goroutine, never concurrently with each other.
type Callbacks struct {
	OnTick           func(elapsed time.Duration)
	OnWarning        func(w Warning)
	OnWarningCleared func(w Warning)
	OnExpire         func()
	OnDriftResync    func()
}

// Runner advances and enforces the session clock with two independent safety
// nets: a one-shot failsafe deadline armed at start, and a watchdog that
// detects tick starvation and forces a resync. All three mechanisms share
// one cancellation scope, so stopping the runner stops every timer.
type Runner struct {
	cfg Config
	cb  Callbacks

	mu        sync.Mutex
	cancel    context.CancelFunc
	startTime time.Time
	lastTick  time.Duration
	warned    map[Warning]bool
	expired   bool
	running   bool
}

func NewRunner(cfg Config, cb Callbacks) *Runner {
	return &Runner{
		cfg:    cfg.withDefaults(),
		cb:     cb,
		warned: make(map[Warning]bool),
	}
}

// Start begins ticking against startTime, which may lie in the past for a
// restored session. Elapsed time is always recomputed from startTime, never
// accumulated, so a stalled or delayed tick cannot skew the clock.
func (r *Runner) Start(ctx context.Context, startTime time.Time) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.startTime = startTime
	r.lastTick = 0
	r.warned = make(map[Warning]bool)
	r.expired = false
	r.running = true
	r.mu.Unlock()

	go r.loop(runCtx, startTime)
}

// Stop cancels the tick, the failsafe deadline, and the watchdog together.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) loop(ctx context.Context, startTime time.Time) {
	tick := time.NewTicker(r.cfg.TickInterval)
	defer tick.Stop()
	watchdog := time.NewTicker(r.cfg.WatchdogInterval)
	defer watchdog.Stop()
	failsafe := time.NewTimer(time.Until(startTime.Add(r.cfg.MaxDuration)))
	defer failsafe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if r.advance(time.Now()) {
				return
			}
		case <-watchdog.C:
			derived := time.Since(startTime)
			r.mu.Lock()
			drifted := derived-r.lastTick > r.cfg.DriftBound
			r.mu.Unlock()
			if drifted {
				if r.cb.OnDriftResync != nil {
					r.cb.OnDriftResync()
				}
				if r.advance(time.Now()) {
					return
				}
			}
		case <-failsafe.C:
			// Cap enforcement independent of the tick: fires even if the
			// primary tick has been starved the whole session.
			r.expire()
			return
		}
	}
}

// advance recomputes elapsed time and reports whether the session expired.
func (r *Runner) advance(now time.Time) bool {
	r.mu.Lock()
	if !r.running || r.expired {
		r.mu.Unlock()
		return true
	}
	elapsed := now.Sub(r.startTime)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= r.cfg.MaxDuration {
		r.mu.Unlock()
		r.expire()
		return true
	}
	r.lastTick = elapsed
	remaining := r.cfg.MaxDuration - elapsed
	var fired Warning
	if !r.warned[WarningThreeMinutes] && remaining <= r.cfg.EarlyWarnHigh && remaining > r.cfg.EarlyWarnLow {
		r.warned[WarningThreeMinutes] = true
		fired = WarningThreeMinutes
	} else if !r.warned[WarningOneMinute] && remaining <= r.cfg.LateWarnHigh && remaining > r.cfg.LateWarnLow {
		r.warned[WarningOneMinute] = true
		fired = WarningOneMinute
	}
	r.mu.Unlock()

	if r.cb.OnTick != nil {
		r.cb.OnTick(elapsed)
	}
	if fired != "" {
		if r.cb.OnWarning != nil {
			r.cb.OnWarning(fired)
		}
		w := fired
		time.AfterFunc(r.cfg.WarningHold, func() {
			r.mu.Lock()
			active := r.running
			r.mu.Unlock()
			if active && r.cb.OnWarningCleared != nil {
				r.cb.OnWarningCleared(w)
			}
		})
	}
	return false
}

func (r *Runner) expire() {
	r.mu.Lock()
	if r.expired {
		r.mu.Unlock()
		return
	}
	r.expired = true
	r.lastTick = r.cfg.MaxDuration
	r.mu.Unlock()
	// Clamp the rendered clock to exactly the cap before terminating, on
	// both the tick path and the failsafe path.
	if r.cb.OnTick != nil {
		r.cb.OnTick(r.cfg.MaxDuration)
	}
	if r.cb.OnExpire != nil {
		r.cb.OnExpire()
	}
}

// Elapsed derives the clamped elapsed time for a session clock.
func Elapsed(now, start time.Time, max time.Duration) time.Duration {
	e := now.Sub(start)
	if e < 0 {
		return 0
	}
	if e > max {
		return max
	}
	return e
}

// FormatRemaining renders remaining time as mm:ss for display.
func FormatRemaining(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	secs := int(remaining.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
