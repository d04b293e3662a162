package controller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairspeak/pairspeak/internal/callstate"
	"github.com/pairspeak/pairspeak/internal/observability"
	"github.com/pairspeak/pairspeak/internal/presence"
	"github.com/pairspeak/pairspeak/internal/protocol"
	"github.com/pairspeak/pairspeak/internal/reliability"
	"github.com/pairspeak/pairspeak/internal/roomsvc"
	"github.com/pairspeak/pairspeak/internal/store"
	"github.com/pairspeak/pairspeak/internal/timing"
	"github.com/pairspeak/pairspeak/internal/transport"
)

const defaultVolume = 100

// Config tunes one session controller.
type Config struct {
	RoomID string
	UserID string

	MaxDuration      time.Duration
	TickInterval     time.Duration
	WatchdogInterval time.Duration
	DriftBound       time.Duration
	WarningHold      time.Duration

	// Warning windows, expressed as remaining-time bounds. Zero values take
	// the timer's defaults.
	EarlyWarnHigh time.Duration
	EarlyWarnLow  time.Duration
	LateWarnHigh  time.Duration
	LateWarnLow   time.Duration

	JoinRetryDelay  time.Duration
	JoinSettleDelay time.Duration
	RestoreTimeout  time.Duration

	RecordMaxAge          time.Duration
	RecordRefreshInterval time.Duration
	CompleteNoticeDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDuration <= 0 {
		c.MaxDuration = 13 * time.Minute
	}
	if c.RestoreTimeout <= 0 {
		c.RestoreTimeout = 15 * time.Second
	}
	if c.RecordMaxAge <= 0 {
		c.RecordMaxAge = time.Hour
	}
	if c.RecordRefreshInterval <= 0 {
		c.RecordRefreshInterval = 5 * time.Second
	}
	return c
}

// Deps are the collaborators one controller drives. Metrics and Perf may be
// nil; everything else is required.
type Deps struct {
	Transport transport.Transport
	Tokens    transport.TokenIssuer
	Store     store.Store
	Rooms     roomsvc.Service
	Metrics   *observability.Metrics
	Perf      *observability.LifecycleWindow
}

// Controller owns one room's session: it drives the connection state
// machine, enforces the time limit, keeps the persisted record fresh, and
// guarantees the termination sequence runs exactly once.
type Controller struct {
	id   string
	cfg  Config
	deps Deps

	machine *callstate.Machine
	timers  *timing.Runner
	pres    *presence.Reconciler

	mu           sync.Mutex
	phase        Phase
	startTime    time.Time
	muted        bool
	volume       int
	endReason    string
	ending       bool
	ended        bool
	endedAt      time.Time
	joinStarted  time.Time
	restoreBegan time.Time

	sessionCtx   context.Context
	cancel       context.CancelFunc
	restoreTimer *time.Timer
	noticeTimer  *time.Timer

	subs    map[int]chan protocol.ServerMessage
	nextSub int
}

func New(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		id:     uuid.NewString(),
		cfg:    cfg,
		deps:   deps,
		pres:   presence.NewReconciler(),
		phase:  PhaseNotStarted,
		volume: defaultVolume,
		subs:   make(map[int]chan protocol.ServerMessage),
	}
	c.machine = callstate.New(callstate.Config{
		RoomID:      cfg.RoomID,
		UserID:      cfg.UserID,
		RetryDelay:  cfg.JoinRetryDelay,
		SettleDelay: cfg.JoinSettleDelay,
	}, deps.Transport, deps.Tokens, c.desiredMute)
	c.machine.SetStateListener(c.onConnectionState)
	c.machine.SetFailureListener(c.onJoinFailure)
	c.machine.SetStageObserver(func(stage string, elapsed time.Duration) {
		if c.deps.Perf != nil {
			c.deps.Perf.Observe(stage, float64(elapsed.Milliseconds()))
		}
	})
	c.timers = timing.NewRunner(timing.Config{
		MaxDuration:      cfg.MaxDuration,
		TickInterval:     cfg.TickInterval,
		WatchdogInterval: cfg.WatchdogInterval,
		DriftBound:       cfg.DriftBound,
		WarningHold:      cfg.WarningHold,
		EarlyWarnHigh:    cfg.EarlyWarnHigh,
		EarlyWarnLow:     cfg.EarlyWarnLow,
		LateWarnHigh:     cfg.LateWarnHigh,
		LateWarnLow:      cfg.LateWarnLow,
	}, timing.Callbacks{
		OnTick:           c.onTick,
		OnWarning:        c.onWarning,
		OnWarningCleared: c.onWarningCleared,
		OnExpire:         c.onExpire,
		OnDriftResync:    c.onDriftResync,
	})
	return c
}

func (c *Controller) ID() string { return c.id }

// Start enters the session: it rejects users already active elsewhere,
// restores a valid persisted record or begins a fresh session, starts time
// enforcement, and kicks off the channel join in the background.
func (c *Controller) Start(ctx context.Context, participants []presence.Participant) error {
	if active, err := c.deps.Rooms.ActiveSessionFor(ctx, c.cfg.UserID); err != nil {
		log.Printf("controller[%s]: active session lookup failed, allowing entry: %v", c.cfg.RoomID, err)
	} else if active != "" && active != c.cfg.RoomID {
		return &ActiveElsewhereError{RoomID: active}
	}

	for _, p := range participants {
		c.pres.Register(p)
	}

	now := time.Now().UTC()
	startTime := now
	restored := false
	muted := false
	volume := defaultVolume

	rec, err := c.deps.Store.Get(ctx, c.cfg.RoomID)
	if err != nil {
		log.Printf("controller[%s]: load persisted record: %v", c.cfg.RoomID, err)
	}
	if rec != nil {
		if verr := rec.Validate(now, c.cfg.RecordMaxAge); verr != nil {
			log.Printf("controller[%s]: discarding persisted record: %v", c.cfg.RoomID, verr)
			if derr := c.deps.Store.Delete(ctx, c.cfg.RoomID); derr != nil {
				log.Printf("controller[%s]: delete invalid record: %v", c.cfg.RoomID, derr)
			}
		} else if rec.UserID == c.cfg.UserID {
			startTime = rec.StartTime
			muted = rec.Audio.IsMuted
			volume = rec.Audio.Volume
			if volume <= 0 || volume > 100 {
				volume = defaultVolume
			}
			restored = true
		}
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.sessionCtx = sessionCtx
	c.cancel = cancel
	c.startTime = startTime
	c.muted = muted
	c.volume = volume
	c.joinStarted = now
	if restored {
		c.phase = PhaseRestoring
		c.restoreBegan = now
		c.restoreTimer = time.AfterFunc(c.cfg.RestoreTimeout, c.restoreWatchdog)
	} else {
		c.phase = PhaseActive
	}
	c.mu.Unlock()

	c.timers.Start(sessionCtx, startTime)
	c.persistRecord(ctx)

	go c.eventPump(sessionCtx)
	go c.refreshLoop(sessionCtx)

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Inc()
		event := "session_started"
		if restored {
			event = "session_restored"
		}
		c.deps.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}

	go func() {
		joinCtx, cancelJoin := context.WithTimeout(sessionCtx, 30*time.Second)
		defer cancelJoin()
		if err := c.machine.RequestJoin(joinCtx); err != nil {
			log.Printf("controller[%s]: initial join failed: %v", c.cfg.RoomID, err)
		}
	}()

	c.broadcast(c.snapshotMessage())
	return nil
}

// End runs the termination sequence exactly once. Every step after the
// first is best-effort: a failing dependency is logged and the sequence
// continues so the session always reaches a terminal phase.
func (c *Controller) End(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.ending || c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ending = true
	c.phase = PhaseEnding
	start := c.startTime
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ending = false
		c.mu.Unlock()
	}()

	began := time.Now()
	c.machine.RequestLeave(ctx)

	now := time.Now().UTC()
	elapsed := timing.Elapsed(now, start, c.cfg.MaxDuration)
	minutes := reportedMinutes(reason, elapsed, c.cfg.MaxDuration)

	if err := c.deps.Rooms.SaveSessionAnalytics(ctx, c.cfg.RoomID, c.cfg.UserID, roomsvc.Analytics{
		DurationMinutes: minutes,
		JoinedAt:        start,
		LeftAt:          now,
	}); err != nil {
		log.Printf("controller[%s]: save analytics: %v", c.cfg.RoomID, err)
	}

	if err := c.deps.Rooms.EndRoomForAllParticipants(ctx, c.cfg.RoomID, c.cfg.UserID, minutes); err != nil {
		log.Printf("controller[%s]: end room failed, falling back to status update: %v", c.cfg.RoomID, err)
		if serr := c.deps.Rooms.UpdateRoomStatus(ctx, c.cfg.RoomID, "ended"); serr != nil {
			log.Printf("controller[%s]: update room status: %v", c.cfg.RoomID, serr)
		}
		if rerr := c.deps.Rooms.RemoveParticipant(ctx, c.cfg.RoomID, c.cfg.UserID); rerr != nil {
			log.Printf("controller[%s]: remove participant: %v", c.cfg.RoomID, rerr)
		}
	}

	c.timers.Stop()
	c.stopRestoreTimer()

	if err := c.deps.Store.Delete(ctx, c.cfg.RoomID); err != nil {
		log.Printf("controller[%s]: delete persisted record: %v", c.cfg.RoomID, err)
	}

	c.mu.Lock()
	c.ended = true
	c.endedAt = time.Now().UTC()
	c.endReason = reason
	if reason == protocol.ReasonTimeLimit {
		c.phase = PhaseEndedByTimeLimit
	} else {
		c.phase = PhaseEndedByUser
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.pres.Reset()

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Dec()
		c.deps.Metrics.SessionEndings.WithLabelValues(reason).Inc()
		c.deps.Metrics.SessionMinutes.Observe(float64(minutes))
	}
	if c.deps.Perf != nil {
		c.deps.Perf.ObserveSince(observability.StageTerminateTotal, began)
	}

	ended := protocol.ServerMessage{
		Type:            protocol.TypeSessionEnded,
		RoomID:          c.cfg.RoomID,
		Reason:          reason,
		DurationMinutes: minutes,
	}
	if reason == protocol.ReasonTimeLimit && c.cfg.CompleteNoticeDelay > 0 {
		// Let the completion notice render before the terminal signal.
		c.mu.Lock()
		c.noticeTimer = time.AfterFunc(c.cfg.CompleteNoticeDelay, func() {
			c.broadcast(ended)
		})
		c.mu.Unlock()
	} else {
		c.broadcast(ended)
	}
	return nil
}

// Unload suspends the session without terminating it: the channel is left
// and timers stop, but the persisted record stays so a reload can restore.
func (c *Controller) Unload(ctx context.Context) {
	c.mu.Lock()
	if c.ended || c.ending || c.phase == PhaseSuspended {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseSuspended
	c.endedAt = time.Now().UTC()
	cancel := c.cancel
	c.mu.Unlock()

	c.persistRecord(ctx)
	c.machine.RequestLeave(ctx)
	c.timers.Stop()
	c.stopRestoreTimer()
	if cancel != nil {
		cancel()
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Dec()
		c.deps.Metrics.SessionEvents.WithLabelValues("session_suspended").Inc()
	}
	log.Printf("controller[%s]: session suspended, record kept for restore", c.cfg.RoomID)
}

// SetMuted updates the mute state, applies it to the live track, and
// persists it so a restore comes back muted.
func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	c.mu.Lock()
	if c.ended || c.phase == PhaseSuspended {
		c.mu.Unlock()
		return ErrNotFound
	}
	c.muted = muted
	c.mu.Unlock()

	if err := c.machine.ApplyMute(muted); err != nil {
		return err
	}
	c.persistRecord(ctx)
	c.broadcast(c.snapshotMessage())
	return nil
}

// SetVolume updates playback volume and persists it. Range is validated at
// the protocol boundary; out-of-range values are clamped here regardless.
func (c *Controller) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	c.mu.Lock()
	if c.ended || c.phase == PhaseSuspended {
		c.mu.Unlock()
		return ErrNotFound
	}
	c.volume = volume
	c.mu.Unlock()

	c.persistRecord(ctx)
	c.broadcast(c.snapshotMessage())
	return nil
}

// Done reports whether this controller reached a terminal or suspended
// phase and can be dropped by the janitor.
func (c *Controller) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended || c.phase == PhaseSuspended
}

func (c *Controller) doneSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.phase == PhaseSuspended {
		return c.endedAt, true
	}
	return time.Time{}, false
}

// Snapshot recomputes elapsed from the start time on every call; the cached
// tick value is never trusted for display.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	phase := c.phase
	start := c.startTime
	muted := c.muted
	volume := c.volume
	reason := c.endReason
	c.mu.Unlock()

	elapsed := time.Duration(0)
	if !start.IsZero() {
		elapsed = timing.Elapsed(time.Now().UTC(), start, c.cfg.MaxDuration)
	}
	return Snapshot{
		SessionID:       c.id,
		RoomID:          c.cfg.RoomID,
		UserID:          c.cfg.UserID,
		Phase:           phase,
		ConnectionState: c.machine.State(),
		StartedAt:       start,
		ElapsedSeconds:  int(elapsed / time.Second),
		Remaining:       timing.FormatRemaining(c.cfg.MaxDuration - elapsed),
		IsMuted:         muted,
		Volume:          volume,
		VoiceConnected:  c.pres.VoiceConnected(),
		EndReason:       reason,
	}
}

// Subscribe returns a stream of session messages and a cancel func. Slow
// consumers have messages dropped rather than blocking the session.
func (c *Controller) Subscribe() (<-chan protocol.ServerMessage, func()) {
	ch := make(chan protocol.ServerMessage, 16)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *Controller) desiredMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Controller) onConnectionState(s callstate.State) {
	if s == callstate.StateConnected {
		c.mu.Lock()
		joinStarted := c.joinStarted
		restoring := c.phase == PhaseRestoring
		restoreBegan := c.restoreBegan
		timer := c.restoreTimer
		if restoring {
			c.phase = PhaseActive
			c.restoreTimer = nil
		}
		c.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if c.deps.Metrics != nil && !joinStarted.IsZero() {
			c.deps.Metrics.ObserveJoinLatency(time.Since(joinStarted))
		}
		if c.deps.Perf != nil {
			c.deps.Perf.ObserveSince(observability.StageEnterToLive, joinStarted)
			if restoring {
				c.deps.Perf.ObserveSince(observability.StageRestoreTotal, restoreBegan)
			}
		}
	}
	c.broadcast(c.snapshotMessage())
}

func (c *Controller) onJoinFailure(class reliability.JoinErrorClass, err error) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.JoinFailures.WithLabelValues(string(class)).Inc()
	}
	c.broadcast(protocol.ServerMessage{
		Type:       protocol.TypeError,
		RoomID:     c.cfg.RoomID,
		ErrorClass: string(class),
		Detail:     err.Error(),
	})
}

// restoreWatchdog gives up on a restore that never reached connected: the
// stale record is discarded and the session falls back to a fresh one, with
// the clock restarted from now and a new join requested.
func (c *Controller) restoreWatchdog() {
	now := time.Now().UTC()
	c.mu.Lock()
	stuck := c.phase == PhaseRestoring
	sessionCtx := c.sessionCtx
	if stuck {
		c.phase = PhaseActive
		c.startTime = now
		c.joinStarted = now
	}
	c.mu.Unlock()
	if !stuck {
		return
	}
	log.Printf("controller[%s]: restore did not settle within %s, starting fresh", c.cfg.RoomID, c.cfg.RestoreTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.deps.Store.Delete(ctx, c.cfg.RoomID); err != nil {
		log.Printf("controller[%s]: discard stale record: %v", c.cfg.RoomID, err)
	}

	c.timers.Stop()
	c.timers.Start(sessionCtx, now)
	c.persistRecord(ctx)

	go func() {
		joinCtx, cancelJoin := context.WithTimeout(sessionCtx, 30*time.Second)
		defer cancelJoin()
		if err := c.machine.RequestJoin(joinCtx); err != nil {
			log.Printf("controller[%s]: rejoin after restore timeout: %v", c.cfg.RoomID, err)
		}
	}()

	if c.deps.Perf != nil {
		c.deps.Perf.ObserveIndicator("restore_watchdog_fired")
	}
	c.broadcast(c.snapshotMessage())
}

func (c *Controller) onTick(elapsed time.Duration) {
	c.broadcast(protocol.ServerMessage{
		Type:           protocol.TypeStateSnapshot,
		RoomID:         c.cfg.RoomID,
		Phase:          string(c.currentPhase()),
		ElapsedSeconds: int(elapsed / time.Second),
		Remaining:      timing.FormatRemaining(c.cfg.MaxDuration - elapsed),
	})
}

func (c *Controller) onWarning(w timing.Warning) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.SessionEvents.WithLabelValues("warning_" + string(w)).Inc()
	}
	c.broadcast(protocol.ServerMessage{
		Type:    protocol.TypeWarning,
		RoomID:  c.cfg.RoomID,
		Warning: string(w),
	})
}

func (c *Controller) onWarningCleared(w timing.Warning) {
	c.broadcast(protocol.ServerMessage{
		Type:    protocol.TypeWarningCleared,
		RoomID:  c.cfg.RoomID,
		Warning: string(w),
	})
}

func (c *Controller) onDriftResync() {
	log.Printf("controller[%s]: session clock drifted past bound, resynced", c.cfg.RoomID)
	if c.deps.Metrics != nil {
		c.deps.Metrics.TimerDriftResyncs.Inc()
	}
	if c.deps.Perf != nil {
		c.deps.Perf.ObserveIndicator("timer_drift_resync")
	}
}

func (c *Controller) onExpire() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.End(ctx, protocol.ReasonTimeLimit); err != nil {
		log.Printf("controller[%s]: time limit termination: %v", c.cfg.RoomID, err)
	}
}

func (c *Controller) eventPump(ctx context.Context) {
	events := c.deps.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case transport.EventMemberJoined:
				if _, known := c.pres.HandleJoined(evt.UID); known {
					c.broadcastPresence()
				}
			case transport.EventMemberLeft:
				if _, known := c.pres.HandleLeft(evt.UID); known {
					c.broadcastPresence()
				}
			case transport.EventAudioPublished:
				if err := c.deps.Transport.SubscribeAudio(evt.UID); err != nil {
					log.Printf("controller[%s]: subscribe audio for %d: %v", c.cfg.RoomID, evt.UID, err)
				}
			case transport.EventQualityChanged:
				if c.deps.Perf != nil {
					c.deps.Perf.ObserveIndicator("quality_" + evt.Quality)
				}
			}
		}
	}
}

func (c *Controller) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RecordRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.persistRecord(ctx)
		}
	}
}

func (c *Controller) persistRecord(ctx context.Context) {
	c.mu.Lock()
	if c.ending || c.ended || c.startTime.IsZero() {
		c.mu.Unlock()
		return
	}
	rec := store.Record{
		RoomID:    c.cfg.RoomID,
		UserID:    c.cfg.UserID,
		StartTime: c.startTime,
		Audio: store.AudioState{
			IsMuted: c.muted,
			Volume:  c.volume,
		},
	}
	c.mu.Unlock()

	if err := c.deps.Store.Set(ctx, rec); err != nil {
		log.Printf("controller[%s]: persist record: %v", c.cfg.RoomID, err)
	}
}

func (c *Controller) currentPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) snapshotMessage() protocol.ServerMessage {
	snap := c.Snapshot()
	return protocol.ServerMessage{
		Type:            protocol.TypeStateSnapshot,
		RoomID:          snap.RoomID,
		ConnectionState: string(snap.ConnectionState),
		Phase:           string(snap.Phase),
		ElapsedSeconds:  snap.ElapsedSeconds,
		Remaining:       snap.Remaining,
		IsMuted:         snap.IsMuted,
		Volume:          snap.Volume,
		VoiceConnected:  snap.VoiceConnected,
	}
}

func (c *Controller) broadcastPresence() {
	c.broadcast(protocol.ServerMessage{
		Type:           protocol.TypePresenceUpdate,
		RoomID:         c.cfg.RoomID,
		VoiceConnected: c.pres.VoiceConnected(),
	})
}

func (c *Controller) broadcast(msg protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (c *Controller) stopRestoreTimer() {
	c.mu.Lock()
	restore := c.restoreTimer
	c.restoreTimer = nil
	c.mu.Unlock()
	if restore != nil {
		restore.Stop()
	}
}
