package transport

import "context"

// ConnectionToken is the one-shot credential pair for joining a channel.
// Tokens are scoped to a single join attempt and must not be reused.
type ConnectionToken struct {
	Token string `json:"token"`
	AppID string `json:"appId"`
}

// TokenIssuer fetches a fresh connection token for one join attempt.
type TokenIssuer interface {
	ConnectionToken(ctx context.Context, roomID, userID string) (ConnectionToken, error)
}

type EventType string

const (
	EventMemberJoined   EventType = "member_joined"
	EventMemberLeft     EventType = "member_left"
	EventAudioPublished EventType = "audio_published"
	EventQualityChanged EventType = "quality_changed"
)

// Event is a membership or quality notification from the audio channel.
// These feed presence reconciliation, never session timing.
type Event struct {
	Type    EventType
	UID     uint32
	Quality string
}

// Track is the published local audio capture. StopCapture releases the
// capture device itself; Close tears down the logical publication.
type Track interface {
	SetMuted(muted bool) error
	StopCapture() error
	Close() error
}

// Transport owns the connection to the hosted real-time audio channel.
type Transport interface {
	// Connected reports the transport's own view of the connection, which
	// may disagree with the caller's state machine after a failed attempt.
	Connected() bool
	Join(ctx context.Context, channel string, token ConnectionToken, uid uint32) error
	Leave(ctx context.Context) error
	PublishMicrophone(ctx context.Context) (Track, error)
	SubscribeAudio(uid uint32) error
	Events() <-chan Event
}
