package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pairspeak/pairspeak/internal/presence"
	"github.com/pairspeak/pairspeak/internal/transport"
)

// Manager owns the live controllers, one per room. Ended and suspended
// controllers stay queryable until the janitor drops them.
type Manager struct {
	mu        sync.RWMutex
	base      Config
	deps      Deps
	factory   func() transport.Transport
	byRoom    map[string]*Controller
	retention time.Duration
}

func NewManager(base Config, deps Deps, factory func() transport.Transport, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Manager{
		base:      base,
		deps:      deps,
		factory:   factory,
		byRoom:    make(map[string]*Controller),
		retention: retention,
	}
}

// Enter returns the room's controller, creating and starting one if needed.
// Re-entering a live session is idempotent for the same user and rejected
// for a different one.
func (m *Manager) Enter(ctx context.Context, roomID, userID string, participants []presence.Participant) (*Controller, error) {
	m.mu.Lock()
	if c, ok := m.byRoom[roomID]; ok && !c.Done() {
		m.mu.Unlock()
		if c.cfg.UserID != userID {
			return nil, fmt.Errorf("room %s already has a live session for another user", roomID)
		}
		return c, nil
	}

	cfg := m.base
	cfg.RoomID = roomID
	cfg.UserID = userID
	deps := m.deps
	deps.Transport = m.factory()
	c := New(cfg, deps)
	m.byRoom[roomID] = c
	m.mu.Unlock()

	if err := c.Start(ctx, participants); err != nil {
		m.mu.Lock()
		if m.byRoom[roomID] == c {
			delete(m.byRoom, roomID)
		}
		m.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Get returns the controller for a room, ended or not.
func (m *Manager) Get(roomID string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byRoom[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// ActiveCount reports controllers that have not reached a terminal or
// suspended phase.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.byRoom {
		if !c.Done() {
			count++
		}
	}
	return count
}

// StartJanitor drops done controllers once their retention window passes.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Shutdown suspends every live session so records survive a restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	controllers := make([]*Controller, 0, len(m.byRoom))
	for _, c := range m.byRoom {
		controllers = append(controllers, c)
	}
	m.mu.RUnlock()

	for _, c := range controllers {
		c.Unload(ctx)
	}
}

func (m *Manager) sweep() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID, c := range m.byRoom {
		since, done := c.doneSince()
		if done && now.Sub(since) >= m.retention {
			delete(m.byRoom, roomID)
		}
	}
}
