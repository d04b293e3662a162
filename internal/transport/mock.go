package transport

import (
	"context"
	"sync"
)

// MockTransport is an in-process transport used for local mode and tests.
// Failure modes are injected per call via the error fields.
type MockTransport struct {
	mu         sync.Mutex
	connected  bool
	channel    string
	uid        uint32
	track      *MockTrack
	events     chan Event
	subscribed map[uint32]bool

	JoinErrs    []error // consumed front-to-back on successive Join calls
	PublishErr  error
	JoinCalls   int
	LeaveCalls  int
	PubCalls    int
	tokenSeen   ConnectionToken
	channelSeen string
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		events:     make(chan Event, 64),
		subscribed: make(map[uint32]bool),
	}
}

func (t *MockTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// ForceConnected puts the transport into a connected state without a join,
// emulating leftover state from a prior failed attempt.
func (t *MockTransport) ForceConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
}

func (t *MockTransport) Join(_ context.Context, channel string, token ConnectionToken, uid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.JoinCalls++
	t.tokenSeen = token
	t.channelSeen = channel
	if len(t.JoinErrs) > 0 {
		err := t.JoinErrs[0]
		t.JoinErrs = t.JoinErrs[1:]
		if err != nil {
			return err
		}
	}
	t.connected = true
	t.channel = channel
	t.uid = uid
	return nil
}

func (t *MockTransport) Leave(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.LeaveCalls++
	t.connected = false
	t.channel = ""
	return nil
}

func (t *MockTransport) PublishMicrophone(_ context.Context) (Track, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.PubCalls++
	if t.PublishErr != nil {
		return nil, t.PublishErr
	}
	t.track = &MockTrack{}
	return t.track, nil
}

func (t *MockTransport) SubscribeAudio(uid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribed[uid] = true
	return nil
}

func (t *MockTransport) Events() <-chan Event { return t.events }

// Emit injects a membership or quality event, as the gateway would.
func (t *MockTransport) Emit(evt Event) {
	t.events <- evt
}

// Track returns the last published mock track, if any.
func (t *MockTransport) Track() *MockTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.track
}

// Subscribed reports whether audio for uid was subscribed.
func (t *MockTransport) Subscribed(uid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed[uid]
}

// Channel returns the channel passed to the last Join attempt.
func (t *MockTransport) Channel() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channelSeen
}

// UID returns the numeric identity used on the last successful Join.
func (t *MockTransport) UID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uid
}

// LastToken returns the token presented on the last Join attempt.
func (t *MockTransport) LastToken() ConnectionToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokenSeen
}

// MockTrack records mute and release calls on the published capture.
type MockTrack struct {
	mu             sync.Mutex
	muted          bool
	captureStopped bool
	closed         bool
}

func (tr *MockTrack) SetMuted(muted bool) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.muted = muted
	return nil
}

func (tr *MockTrack) StopCapture() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.captureStopped = true
	return nil
}

func (tr *MockTrack) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closed = true
	return nil
}

func (tr *MockTrack) Muted() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.muted
}

func (tr *MockTrack) CaptureStopped() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.captureStopped
}

func (tr *MockTrack) Closed() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}

// MockTokenIssuer returns canned tokens and records issuance count.
type MockTokenIssuer struct {
	mu    sync.Mutex
	Err   error
	Calls int
}

func (i *MockTokenIssuer) ConnectionToken(_ context.Context, roomID, userID string) (ConnectionToken, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Calls++
	if i.Err != nil {
		return ConnectionToken{}, i.Err
	}
	return ConnectionToken{Token: "tok-" + roomID + "-" + userID, AppID: "app-local"}, nil
}
