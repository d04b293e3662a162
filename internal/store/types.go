package store

import (
	"context"
	"errors"
	"time"
)

// AudioState captures the local audio settings worth restoring after a reload.
type AudioState struct {
	IsMuted bool `json:"isMuted"`
	Volume  int  `json:"volume"`
}

// Record is the persisted snapshot of an in-progress session, keyed by room.
// It is written on first successful join, refreshed while the session is
// active, and deleted once termination completes.
type Record struct {
	RoomID      string     `json:"roomId"`
	UserID      string     `json:"userId"`
	StartTime   time.Time  `json:"startTime"`
	Audio       AudioState `json:"audioState"`
	LastUpdated time.Time  `json:"lastUpdated,omitempty"`
}

var (
	ErrRecordStale   = errors.New("persisted session record is stale")
	ErrRecordInvalid = errors.New("persisted session record is invalid")
)

// Validate decides whether a record may be restored at time now. Records
// older than maxAge, or whose derived elapsed time is non-positive, are
// discarded rather than restored.
func (r *Record) Validate(now time.Time, maxAge time.Duration) error {
	if r == nil || r.RoomID == "" || r.StartTime.IsZero() {
		return ErrRecordInvalid
	}
	age := r.LastUpdated
	if age.IsZero() {
		age = r.StartTime
	}
	if now.Sub(age) > maxAge {
		return ErrRecordStale
	}
	if now.Sub(r.StartTime) <= 0 {
		return ErrRecordInvalid
	}
	return nil
}

// Store persists one session record per room. Get returns (nil, nil) when no
// record exists for the room.
type Store interface {
	Get(ctx context.Context, roomID string) (*Record, error)
	Set(ctx context.Context, record Record) error
	Delete(ctx context.Context, roomID string) error
	Close() error
}
