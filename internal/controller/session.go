package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/pairspeak/pairspeak/internal/callstate"
	"github.com/pairspeak/pairspeak/internal/protocol"
)

// Phase is the session lifecycle, distinct from the voice connection state:
// a session can be active with the voice channel still connecting.
type Phase string

const (
	PhaseNotStarted       Phase = "not_started"
	PhaseActive           Phase = "active"
	PhaseRestoring        Phase = "restoring"
	PhaseEnding           Phase = "ending"
	PhaseSuspended        Phase = "suspended"
	PhaseEndedByUser      Phase = "ended_by_user"
	PhaseEndedByTimeLimit Phase = "ended_by_time_limit"
)

var ErrNotFound = errors.New("session not found")

// ActiveElsewhereError rejects entry when the user already has a live
// session in another room.
type ActiveElsewhereError struct {
	RoomID string
}

func (e *ActiveElsewhereError) Error() string {
	return fmt.Sprintf("user already in an active session in room %s", e.RoomID)
}

// Snapshot is a point-in-time view of one session for API responses.
type Snapshot struct {
	SessionID       string          `json:"session_id"`
	RoomID          string          `json:"room_id"`
	UserID          string          `json:"user_id"`
	Phase           Phase           `json:"phase"`
	ConnectionState callstate.State `json:"connection_state"`
	StartedAt       time.Time       `json:"started_at"`
	ElapsedSeconds  int             `json:"elapsed_seconds"`
	Remaining       string          `json:"remaining"`
	IsMuted         bool            `json:"is_muted"`
	Volume          int             `json:"volume"`
	VoiceConnected  []string        `json:"voice_connected"`
	EndReason       string          `json:"end_reason,omitempty"`
}

// reportedMinutes converts a finished session's elapsed time into the
// duration reported to the room service. A time-limit ending always reports
// the full cap regardless of measured elapsed; a user ending reports whole
// elapsed minutes with a floor of one.
func reportedMinutes(reason string, elapsed, max time.Duration) int {
	if reason == protocol.ReasonTimeLimit {
		return int(max / time.Minute)
	}
	m := int(elapsed / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}
