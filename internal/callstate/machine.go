package callstate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pairspeak/pairspeak/internal/presence"
	"github.com/pairspeak/pairspeak/internal/reliability"
	"github.com/pairspeak/pairspeak/internal/transport"
)

// State is the connection lifecycle owned exclusively by the machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const retryJoinTimeout = 10 * time.Second

// Stage names reported to the optional stage observer.
const (
	StageChannelJoin = "channel_join"
	StageMicPublish  = "mic_publish"
)

// Config tunes one machine instance; a machine serves exactly one room/user.
type Config struct {
	RoomID      string
	UserID      string
	RetryDelay  time.Duration
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 300 * time.Millisecond
	}
	return c
}

// Machine joins and leaves the audio transport exactly as needed, never
// doubly. Join requests are serialized by checking state before acting, so
// overlapping triggers collapse into one underlying join.
type Machine struct {
	cfg       Config
	transport transport.Transport
	tokens    transport.TokenIssuer

	// desiredMute supplies the session's mute state so a track created on a
	// restored session comes up muted immediately.
	desiredMute func() bool

	mu         sync.Mutex
	state      State
	track      transport.Track
	retried    bool
	retryTimer *time.Timer

	// epoch invalidates in-flight joins: RequestLeave bumps it, and a join
	// that finishes under a newer epoch rolls back instead of committing.
	epoch uint64

	onStateChange func(State)
	onJoinFailure func(class reliability.JoinErrorClass, err error)
	observeStage  func(stage string, elapsed time.Duration)
}

func New(cfg Config, tr transport.Transport, tokens transport.TokenIssuer, desiredMute func() bool) *Machine {
	return &Machine{
		cfg:         cfg.withDefaults(),
		transport:   tr,
		tokens:      tokens,
		desiredMute: desiredMute,
		state:       StateDisconnected,
	}
}

// SetStateListener registers the state observer. Must be called before the
// first join request.
func (m *Machine) SetStateListener(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// SetFailureListener registers the join-failure observer.
func (m *Machine) SetFailureListener(fn func(class reliability.JoinErrorClass, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJoinFailure = fn
}

// SetStageObserver registers a latency observer for the join sub-stages.
func (m *Machine) SetStageObserver(fn func(stage string, elapsed time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeStage = fn
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RequestJoin connects to the audio channel. It is a no-op while already
// connecting or connected. On transient failure it schedules exactly one
// retry after a fixed delay; all other failures are surfaced immediately.
func (m *Machine) RequestJoin(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	epoch := m.epoch
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	// Recover from inconsistent transport state left over from a prior
	// failed attempt: force a leave and let the gateway settle.
	if m.transport.Connected() {
		if err := m.transport.Leave(ctx); err != nil {
			log.Printf("callstate: forced leave before rejoin failed: %v", err)
		}
		select {
		case <-ctx.Done():
			m.failJoin(epoch, ctx.Err())
			return ctx.Err()
		case <-time.After(m.cfg.SettleDelay):
		}
	}

	token, err := m.tokens.ConnectionToken(ctx, m.cfg.RoomID, m.cfg.UserID)
	if err != nil {
		return m.failJoin(epoch, err)
	}

	uid := presence.DeriveUID(m.cfg.UserID)
	joinBegan := time.Now()
	if err := m.transport.Join(ctx, m.cfg.RoomID, token, uid); err != nil {
		return m.failJoin(epoch, err)
	}
	m.recordStage(StageChannelJoin, time.Since(joinBegan))

	publishBegan := time.Now()
	track, err := m.transport.PublishMicrophone(ctx)
	if err != nil {
		if leaveErr := m.transport.Leave(ctx); leaveErr != nil {
			log.Printf("callstate: leave after publish failure: %v", leaveErr)
		}
		return m.failJoin(epoch, err)
	}
	m.recordStage(StageMicPublish, time.Since(publishBegan))

	if m.desiredMute != nil && m.desiredMute() {
		if err := track.SetMuted(true); err != nil {
			log.Printf("callstate: re-apply mute on new track: %v", err)
		}
	}

	m.mu.Lock()
	if m.epoch != epoch || m.state != StateConnecting {
		m.mu.Unlock()
		// A leave ran while this join was in flight; it wins. Roll back
		// instead of committing so the machine stays disconnected.
		m.rollbackJoin(ctx, track)
		return nil
	}
	m.track = track
	m.retried = false
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	return nil
}

// rollbackJoin releases everything a superseded join acquired.
func (m *Machine) rollbackJoin(ctx context.Context, track transport.Track) {
	log.Printf("callstate: join superseded by leave, rolling back")
	if err := track.StopCapture(); err != nil {
		log.Printf("callstate: stop capture on rollback: %v", err)
	}
	if err := track.Close(); err != nil {
		log.Printf("callstate: close track on rollback: %v", err)
	}
	if m.transport.Connected() {
		if err := m.transport.Leave(ctx); err != nil {
			log.Printf("callstate: leave on rollback: %v", err)
		}
	}
}

// RequestLeave releases the capture device, closes the track, and leaves the
// channel. Cleanup errors are logged, never propagated; the machine always
// ends disconnected.
func (m *Machine) RequestLeave(ctx context.Context) {
	m.mu.Lock()
	m.epoch++
	wasConnecting := m.state == StateConnecting
	track := m.track
	m.track = nil
	timer := m.retryTimer
	m.retryTimer = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	if track != nil {
		// Release the capture device itself, not just the logical track.
		if err := track.StopCapture(); err != nil {
			log.Printf("callstate: stop capture: %v", err)
		}
		if err := track.Close(); err != nil {
			log.Printf("callstate: close track: %v", err)
		}
	}

	if m.transport.Connected() || wasConnecting {
		if err := m.transport.Leave(ctx); err != nil {
			log.Printf("callstate: leave channel: %v", err)
		}
	}
}

// ApplyMute applies the session's mute state to the live track, if any.
func (m *Machine) ApplyMute(muted bool) error {
	m.mu.Lock()
	track := m.track
	m.mu.Unlock()
	if track == nil {
		return nil
	}
	return track.SetMuted(muted)
}

func (m *Machine) failJoin(epoch uint64, err error) error {
	class := reliability.ClassifyJoinError(err)

	m.mu.Lock()
	if m.epoch != epoch {
		// A leave superseded this attempt; no state change, no retry.
		m.mu.Unlock()
		log.Printf("callstate: join failed after leave (class=%s): %v", class, err)
		return err
	}
	m.setStateLocked(StateDisconnected)
	shouldRetry := reliability.ShouldRetryJoin(class) && !m.retried
	if shouldRetry {
		m.retried = true
		m.retryTimer = time.AfterFunc(m.cfg.RetryDelay, func() {
			retryCtx, cancel := context.WithTimeout(context.Background(), retryJoinTimeout)
			defer cancel()
			if retryErr := m.RequestJoin(retryCtx); retryErr != nil {
				log.Printf("callstate: join retry failed: %v", retryErr)
			}
		})
	}
	onFailure := m.onJoinFailure
	m.mu.Unlock()

	log.Printf("callstate: join failed (class=%s, retry=%v): %v", class, shouldRetry, err)
	if onFailure != nil {
		onFailure(class, err)
	}
	return err
}

func (m *Machine) recordStage(stage string, elapsed time.Duration) {
	m.mu.Lock()
	fn := m.observeStage
	m.mu.Unlock()
	if fn != nil {
		fn(stage, elapsed)
	}
}

func (m *Machine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onStateChange != nil {
		fn := m.onStateChange
		state := s
		go fn(state)
	}
}
