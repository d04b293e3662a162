package callstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pairspeak/pairspeak/internal/presence"
	"github.com/pairspeak/pairspeak/internal/reliability"
	"github.com/pairspeak/pairspeak/internal/transport"
)

func newTestMachine(tr *transport.MockTransport, desiredMute func() bool) *Machine {
	return New(Config{
		RoomID:      "room-1",
		UserID:      "user-a",
		RetryDelay:  30 * time.Millisecond,
		SettleDelay: 10 * time.Millisecond,
	}, tr, &transport.MockTokenIssuer{}, desiredMute)
}

func TestJoinHappyPath(t *testing.T) {
	tr := transport.NewMockTransport()
	m := newTestMachine(tr, nil)

	var (
		mu     sync.Mutex
		stages []string
	)
	m.SetStageObserver(func(stage string, _ time.Duration) {
		mu.Lock()
		stages = append(stages, stage)
		mu.Unlock()
	})

	if err := m.RequestJoin(context.Background()); err != nil {
		t.Fatalf("RequestJoin() error = %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("State() = %v, want %v", got, StateConnected)
	}
	if tr.JoinCalls != 1 || tr.PubCalls != 1 {
		t.Fatalf("JoinCalls=%d PubCalls=%d, want 1 and 1", tr.JoinCalls, tr.PubCalls)
	}
	if got, want := tr.UID(), presence.DeriveUID("user-a"); got != want {
		t.Fatalf("joined with uid %d, want derived %d", got, want)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stages) != 2 || stages[0] != StageChannelJoin || stages[1] != StageMicPublish {
		t.Fatalf("observed stages = %v, want [channel_join mic_publish]", stages)
	}
}

func TestJoinIsNoOpWhileConnected(t *testing.T) {
	tr := transport.NewMockTransport()
	m := newTestMachine(tr, nil)

	if err := m.RequestJoin(context.Background()); err != nil {
		t.Fatalf("first RequestJoin() error = %v", err)
	}
	if err := m.RequestJoin(context.Background()); err != nil {
		t.Fatalf("second RequestJoin() error = %v", err)
	}
	if tr.JoinCalls != 1 {
		t.Fatalf("JoinCalls = %d, want 1 (second request must collapse)", tr.JoinCalls)
	}
}

func TestForcedLeaveBeforeRejoin(t *testing.T) {
	tr := transport.NewMockTransport()
	tr.ForceConnected()
	m := newTestMachine(tr, nil)

	if err := m.RequestJoin(context.Background()); err != nil {
		t.Fatalf("RequestJoin() error = %v", err)
	}
	if tr.LeaveCalls != 1 {
		t.Fatalf("LeaveCalls = %d, want 1 forced leave before rejoin", tr.LeaveCalls)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("State() = %v, want %v", got, StateConnected)
	}
}

func TestTransientFailureRetriesExactlyOnce(t *testing.T) {
	tr := transport.NewMockTransport()
	tr.JoinErrs = []error{reliability.ErrGatewayUnavailable}
	m := newTestMachine(tr, nil)

	if err := m.RequestJoin(context.Background()); !errors.Is(err, reliability.ErrGatewayUnavailable) {
		t.Fatalf("RequestJoin() error = %v, want gateway unavailable", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("State() after failure = %v, want %v", got, StateDisconnected)
	}

	// The scheduled retry should succeed against the now-healthy mock.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.State() == StateConnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("State() after retry window = %v, want %v", got, StateConnected)
	}
	if tr.JoinCalls != 2 {
		t.Fatalf("JoinCalls = %d, want 2 (one attempt + one retry)", tr.JoinCalls)
	}
}

func TestTransientFailureNeverRetriesTwice(t *testing.T) {
	tr := transport.NewMockTransport()
	tr.JoinErrs = []error{reliability.ErrGatewayUnavailable, reliability.ErrGatewayUnavailable}
	m := newTestMachine(tr, nil)

	if err := m.RequestJoin(context.Background()); err == nil {
		t.Fatalf("expected first join to fail")
	}
	time.Sleep(150 * time.Millisecond)
	if tr.JoinCalls != 2 {
		t.Fatalf("JoinCalls = %d, want 2 (second failure must not schedule another retry)", tr.JoinCalls)
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestCredentialFailureDoesNotRetry(t *testing.T) {
	tr := transport.NewMockTransport()
	tr.JoinErrs = []error{reliability.ErrInvalidCredentials}
	m := newTestMachine(tr, nil)

	var (
		mu      sync.Mutex
		classes []reliability.JoinErrorClass
	)
	m.SetFailureListener(func(class reliability.JoinErrorClass, _ error) {
		mu.Lock()
		classes = append(classes, class)
		mu.Unlock()
	})

	if err := m.RequestJoin(context.Background()); !errors.Is(err, reliability.ErrInvalidCredentials) {
		t.Fatalf("RequestJoin() error = %v, want invalid credentials", err)
	}
	time.Sleep(150 * time.Millisecond)
	if tr.JoinCalls != 1 {
		t.Fatalf("JoinCalls = %d, want 1 (credential failures are terminal)", tr.JoinCalls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(classes) != 1 || classes[0] != reliability.JoinErrorInvalidCredentials {
		t.Fatalf("failure classes = %v, want [invalid_credentials]", classes)
	}
}

func TestPublishFailureLeavesChannel(t *testing.T) {
	tr := transport.NewMockTransport()
	tr.PublishErr = reliability.ErrPermissionDenied
	m := newTestMachine(tr, nil)

	if err := m.RequestJoin(context.Background()); !errors.Is(err, reliability.ErrPermissionDenied) {
		t.Fatalf("RequestJoin() error = %v, want permission denied", err)
	}
	if tr.LeaveCalls != 1 {
		t.Fatalf("LeaveCalls = %d, want 1 (must not stay joined without a track)", tr.LeaveCalls)
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestLeaveReleasesTrackAndAlwaysDisconnects(t *testing.T) {
	tr := transport.NewMockTransport()
	m := newTestMachine(tr, nil)

	if err := m.RequestJoin(context.Background()); err != nil {
		t.Fatalf("RequestJoin() error = %v", err)
	}
	m.RequestLeave(context.Background())

	track := tr.Track()
	if track == nil {
		t.Fatalf("no track published")
	}
	if !track.CaptureStopped() || !track.Closed() {
		t.Fatalf("track capture stopped=%v closed=%v, want both true", track.CaptureStopped(), track.Closed())
	}
	if tr.LeaveCalls != 1 {
		t.Fatalf("LeaveCalls = %d, want 1", tr.LeaveCalls)
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want %v", got, StateDisconnected)
	}

	// Leaving while already disconnected is harmless and skips the channel.
	m.RequestLeave(context.Background())
	if tr.LeaveCalls != 1 {
		t.Fatalf("LeaveCalls after second leave = %d, want still 1", tr.LeaveCalls)
	}
}

// stallingTransport blocks PublishMicrophone until released, so a leave can
// be issued while a join is still in flight.
type stallingTransport struct {
	*transport.MockTransport
	release chan struct{}
}

func (t *stallingTransport) PublishMicrophone(ctx context.Context) (transport.Track, error) {
	<-t.release
	return t.MockTransport.PublishMicrophone(ctx)
}

func TestLeaveDuringInflightJoinWins(t *testing.T) {
	tr := &stallingTransport{
		MockTransport: transport.NewMockTransport(),
		release:       make(chan struct{}),
	}
	m := New(Config{
		RoomID:      "room-1",
		UserID:      "user-a",
		RetryDelay:  30 * time.Millisecond,
		SettleDelay: 10 * time.Millisecond,
	}, tr, &transport.MockTokenIssuer{}, nil)

	done := make(chan error, 1)
	go func() { done <- m.RequestJoin(context.Background()) }()

	// Wait for the join to reach the stalled publish.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.Connected() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !tr.Connected() {
		t.Fatalf("join never reached the transport")
	}

	m.RequestLeave(context.Background())
	close(tr.release)
	if err := <-done; err != nil {
		t.Fatalf("RequestJoin() error = %v", err)
	}

	if got := m.State(); got != StateDisconnected {
		t.Fatalf("State() after leave during join = %v, want %v", got, StateDisconnected)
	}
	track := tr.Track()
	if track == nil {
		t.Fatalf("publish never produced a track")
	}
	if !track.CaptureStopped() || !track.Closed() {
		t.Fatalf("superseded join's track capture stopped=%v closed=%v, want both true",
			track.CaptureStopped(), track.Closed())
	}
	if tr.Connected() {
		t.Fatalf("transport still connected after superseded join")
	}
	if err := m.ApplyMute(true); err != nil {
		t.Fatalf("ApplyMute() error = %v", err)
	}
}

func TestLeaveCancelsScheduledRetry(t *testing.T) {
	tr := transport.NewMockTransport()
	tr.JoinErrs = []error{reliability.ErrOperationInProgress}
	m := newTestMachine(tr, nil)

	if err := m.RequestJoin(context.Background()); err == nil {
		t.Fatalf("expected join to fail")
	}
	m.RequestLeave(context.Background())

	time.Sleep(150 * time.Millisecond)
	if tr.JoinCalls != 1 {
		t.Fatalf("JoinCalls = %d, want 1 (leave must cancel the scheduled retry)", tr.JoinCalls)
	}
}

func TestRestoredMuteAppliedToNewTrack(t *testing.T) {
	tr := transport.NewMockTransport()
	m := newTestMachine(tr, func() bool { return true })

	if err := m.RequestJoin(context.Background()); err != nil {
		t.Fatalf("RequestJoin() error = %v", err)
	}
	if track := tr.Track(); track == nil || !track.Muted() {
		t.Fatalf("restored session's track must come up muted")
	}
}

func TestApplyMuteTogglesLiveTrack(t *testing.T) {
	tr := transport.NewMockTransport()
	m := newTestMachine(tr, nil)

	if err := m.ApplyMute(true); err != nil {
		t.Fatalf("ApplyMute() with no track error = %v, want nil", err)
	}
	if err := m.RequestJoin(context.Background()); err != nil {
		t.Fatalf("RequestJoin() error = %v", err)
	}
	if err := m.ApplyMute(true); err != nil {
		t.Fatalf("ApplyMute(true) error = %v", err)
	}
	if !tr.Track().Muted() {
		t.Fatalf("track not muted after ApplyMute(true)")
	}
	if err := m.ApplyMute(false); err != nil {
		t.Fatalf("ApplyMute(false) error = %v", err)
	}
	if tr.Track().Muted() {
		t.Fatalf("track still muted after ApplyMute(false)")
	}
}
