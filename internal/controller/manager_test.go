package controller

import (
	"context"
	"testing"
	"time"

	"github.com/pairspeak/pairspeak/internal/observability"
	"github.com/pairspeak/pairspeak/internal/protocol"
	"github.com/pairspeak/pairspeak/internal/roomsvc"
	"github.com/pairspeak/pairspeak/internal/store"
	"github.com/pairspeak/pairspeak/internal/transport"
)

func newTestManager(retention time.Duration) *Manager {
	base := Config{
		MaxDuration:           13 * time.Minute,
		TickInterval:          50 * time.Millisecond,
		WatchdogInterval:      time.Hour,
		DriftBound:            time.Hour,
		RecordRefreshInterval: time.Hour,
	}
	return NewManager(base, Deps{
		Tokens: &transport.MockTokenIssuer{},
		Store:  store.NewInMemoryStore(),
		Rooms:  roomsvc.NewMockService(),
		Perf:   observability.NewLifecycleWindow(16),
	}, func() transport.Transport { return transport.NewMockTransport() }, retention)
}

func TestEnterIsIdempotentForSameUser(t *testing.T) {
	m := newTestManager(time.Minute)
	ctx := context.Background()

	c1, err := m.Enter(ctx, "room-1", "user-a", participants())
	if err != nil {
		t.Fatalf("first Enter() error = %v", err)
	}
	defer c1.End(ctx, protocol.ReasonUser)

	c2, err := m.Enter(ctx, "room-1", "user-a", participants())
	if err != nil {
		t.Fatalf("second Enter() error = %v", err)
	}
	if c1 != c2 {
		t.Fatalf("re-entry created a second controller for the same room")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}

func TestEnterRejectsDifferentUserInLiveRoom(t *testing.T) {
	m := newTestManager(time.Minute)
	ctx := context.Background()

	c, err := m.Enter(ctx, "room-1", "user-a", participants())
	if err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	defer c.End(ctx, protocol.ReasonUser)

	if _, err := m.Enter(ctx, "room-1", "user-b", participants()); err == nil {
		t.Fatalf("Enter() for another user succeeded, want rejection")
	}
}

func TestEnterAfterEndCreatesNewController(t *testing.T) {
	m := newTestManager(time.Minute)
	ctx := context.Background()

	c1, err := m.Enter(ctx, "room-1", "user-a", participants())
	if err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	if err := c1.End(ctx, protocol.ReasonUser); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	c2, err := m.Enter(ctx, "room-1", "user-a", participants())
	if err != nil {
		t.Fatalf("re-Enter() error = %v", err)
	}
	defer c2.End(ctx, protocol.ReasonUser)
	if c1 == c2 {
		t.Fatalf("ended controller was reused")
	}
	if c1.ID() == c2.ID() {
		t.Fatalf("new session kept the old session id")
	}
}

func TestJanitorDropsEndedControllersAfterRetention(t *testing.T) {
	m := newTestManager(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := m.Enter(ctx, "room-1", "user-a", participants())
	if err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	if err := c.End(ctx, protocol.ReasonUser); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	m.StartJanitor(ctx, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get("room-1"); err == ErrNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("janitor never dropped the ended controller")
}

func TestShutdownSuspendsLiveSessions(t *testing.T) {
	m := newTestManager(time.Minute)
	ctx := context.Background()

	c, err := m.Enter(ctx, "room-1", "user-a", participants())
	if err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	m.Shutdown(ctx)

	if got := c.Snapshot().Phase; got != PhaseSuspended {
		t.Fatalf("Phase after shutdown = %v, want %v", got, PhaseSuspended)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}
