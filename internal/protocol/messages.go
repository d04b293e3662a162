package protocol

import (
	"encoding/json"
	"fmt"
)

// Server-to-client message types carried on the session stream.
const (
	TypeStateSnapshot  = "state_snapshot"
	TypePresenceUpdate = "presence_update"
	TypeWarning        = "warning"
	TypeWarningCleared = "warning_cleared"
	TypeSessionEnded   = "session_ended"
	TypeError          = "error"
)

// End reasons reported in a session_ended message.
const (
	ReasonUser      = "user"
	ReasonTimeLimit = "time_limit"
	ReasonRoomEnded = "room_ended"
)

// ServerMessage is the envelope for everything pushed to a session stream.
// Only the fields relevant to Type are populated.
type ServerMessage struct {
	Type string `json:"type"`

	// state_snapshot
	RoomID          string `json:"roomId,omitempty"`
	ConnectionState string `json:"connectionState,omitempty"`
	Phase           string `json:"phase,omitempty"`
	ElapsedSeconds  int    `json:"elapsedSeconds,omitempty"`
	Remaining       string `json:"remaining,omitempty"`
	IsMuted         bool   `json:"isMuted,omitempty"`
	Volume          int    `json:"volume,omitempty"`

	// presence_update
	VoiceConnected []string `json:"voiceConnected,omitempty"`

	// warning / warning_cleared
	Warning string `json:"warning,omitempty"`

	// session_ended
	Reason          string `json:"reason,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`

	// error
	ErrorClass string `json:"errorClass,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Client-to-server control message types.
const (
	CommandMute    = "mute"
	CommandUnmute  = "unmute"
	CommandVolume  = "set_volume"
	CommandEnd     = "end_session"
	CommandUnload  = "unload"
	CommandRefresh = "request_snapshot"
)

// ClientMessage is a control command from the session stream.
type ClientMessage struct {
	Type   string `json:"type"`
	Volume int    `json:"volume,omitempty"`
}

// ParseClientMessage decodes and validates a control command. Unknown types
// are rejected so a misbehaving client cannot silently no-op.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	switch msg.Type {
	case CommandMute, CommandUnmute, CommandEnd, CommandUnload, CommandRefresh:
		return msg, nil
	case CommandVolume:
		if msg.Volume < 0 || msg.Volume > 100 {
			return ClientMessage{}, fmt.Errorf("volume %d out of range [0,100]", msg.Volume)
		}
		return msg, nil
	case "":
		return ClientMessage{}, fmt.Errorf("client message missing type")
	default:
		return ClientMessage{}, fmt.Errorf("unknown client message type %q", msg.Type)
	}
}
