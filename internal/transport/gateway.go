package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairspeak/pairspeak/internal/reliability"
)

const (
	gatewayWriteTimeout = 10 * time.Second
	gatewayJoinTimeout  = 10 * time.Second
)

// gatewayMessage is the JSON control frame exchanged with the audio gateway.
type gatewayMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	UID     uint32 `json:"uid,omitempty"`
	Muted   bool   `json:"muted,omitempty"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Quality string `json:"quality,omitempty"`
}

// GatewayConfig points the client at the hosted audio channel service.
type GatewayConfig struct {
	BaseURL string
}

// GatewayTransport joins audio channels over a websocket control connection.
type GatewayTransport struct {
	cfg GatewayConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	events    chan Event
	joinAck   chan gatewayMessage
	pubAck    chan gatewayMessage
}

func NewGatewayTransport(cfg GatewayConfig) *GatewayTransport {
	return &GatewayTransport{
		cfg:    cfg,
		events: make(chan Event, 64),
	}
}

func (t *GatewayTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *GatewayTransport) Events() <-chan Event { return t.events }

func (t *GatewayTransport) Join(ctx context.Context, channel string, token ConnectionToken, uid uint32) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return reliability.ErrOperationInProgress
	}
	t.mu.Unlock()

	wsURL, err := t.channelURL(channel, uid)
	if err != nil {
		return fmt.Errorf("gateway url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.Token)
	header.Set("X-App-ID", token.AppID)

	dialCtx, cancel := context.WithTimeout(ctx, gatewayJoinTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("gateway handshake %d: %w", resp.StatusCode, reliability.ErrInvalidCredentials)
		}
		return fmt.Errorf("dial gateway: %w", reliability.ErrGatewayUnavailable)
	}

	joinAck := make(chan gatewayMessage, 1)
	pubAck := make(chan gatewayMessage, 1)

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.joinAck = joinAck
	t.pubAck = pubAck
	t.mu.Unlock()

	go t.readLoop(conn)

	if err := t.write(gatewayMessage{Type: "join", Channel: channel, UID: uid}); err != nil {
		t.teardown()
		return fmt.Errorf("send join: %w", reliability.ErrGatewayUnavailable)
	}

	select {
	case <-dialCtx.Done():
		t.teardown()
		return fmt.Errorf("join ack: %w", reliability.ErrGatewayUnavailable)
	case msg, ok := <-joinAck:
		if !ok {
			t.teardown()
			return fmt.Errorf("gateway closed during join: %w", reliability.ErrGatewayUnavailable)
		}
		if msg.Type == "error" {
			t.teardown()
			return joinError(msg)
		}
	}
	return nil
}

func (t *GatewayTransport) Leave(_ context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := t.write(gatewayMessage{Type: "leave"})
	t.teardown()
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

func (t *GatewayTransport) PublishMicrophone(ctx context.Context) (Track, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("publish without channel: %w", reliability.ErrGatewayUnavailable)
	}
	ack := t.pubAck
	t.mu.Unlock()

	if err := t.write(gatewayMessage{Type: "publish"}); err != nil {
		return nil, fmt.Errorf("send publish: %w", reliability.ErrGatewayUnavailable)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("publish ack: %w", reliability.ErrGatewayUnavailable)
	case msg, ok := <-ack:
		if !ok {
			return nil, fmt.Errorf("gateway closed during publish: %w", reliability.ErrGatewayUnavailable)
		}
		if msg.Type == "error" {
			if msg.Code == "permission_denied" {
				return nil, fmt.Errorf("publish rejected: %w", reliability.ErrPermissionDenied)
			}
			return nil, fmt.Errorf("publish rejected (%s): %w", msg.Code, reliability.ErrGatewayUnavailable)
		}
	}
	return &gatewayTrack{transport: t}, nil
}

func (t *GatewayTransport) SubscribeAudio(uid uint32) error {
	return t.write(gatewayMessage{Type: "subscribe", UID: uid})
}

func (t *GatewayTransport) channelURL(channel string, uid uint32) (string, error) {
	base := strings.TrimSpace(t.cfg.BaseURL)
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/channels/ws"
	q := u.Query()
	q.Set("channel", channel)
	q.Set("uid", strconv.FormatUint(uint64(uid), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *GatewayTransport) write(msg gatewayMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *GatewayTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			// Only the loop that still owns the connection may tear down the
			// ack channels; a loop left over from a replaced connection must
			// not close the new join's channels.
			if t.conn == conn {
				if t.joinAck != nil {
					close(t.joinAck)
					t.joinAck = nil
				}
				if t.pubAck != nil {
					close(t.pubAck)
					t.pubAck = nil
				}
				t.conn = nil
				t.connected = false
			}
			t.mu.Unlock()
			return
		}
		var msg gatewayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "joined", "published":
			t.deliverAck(msg)
		case "error":
			t.deliverAck(msg)
		case "member_joined":
			t.deliverEvent(Event{Type: EventMemberJoined, UID: msg.UID})
		case "member_left":
			t.deliverEvent(Event{Type: EventMemberLeft, UID: msg.UID})
		case "audio_published":
			t.deliverEvent(Event{Type: EventAudioPublished, UID: msg.UID})
		case "quality":
			t.deliverEvent(Event{Type: EventQualityChanged, UID: msg.UID, Quality: msg.Quality})
		}
	}
}

func (t *GatewayTransport) deliverAck(msg gatewayMessage) {
	t.mu.Lock()
	joinAck := t.joinAck
	pubAck := t.pubAck
	t.mu.Unlock()

	var target chan gatewayMessage
	switch msg.Type {
	case "joined":
		target = joinAck
	case "published":
		target = pubAck
	case "error":
		// Error acks route by code: join-phase codes to the join waiter,
		// publish codes to the publish waiter.
		if msg.Code == "permission_denied" || msg.Code == "publish_failed" {
			target = pubAck
		} else {
			target = joinAck
		}
	}
	if target == nil {
		return
	}
	select {
	case target <- msg:
	default:
	}
}

func (t *GatewayTransport) deliverEvent(evt Event) {
	select {
	case t.events <- evt:
	default:
		// Presence is advisory; drop rather than block the read loop.
	}
}

func (t *GatewayTransport) teardown() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func joinError(msg gatewayMessage) error {
	switch msg.Code {
	case "invalid_token", "invalid_app_id":
		return fmt.Errorf("join rejected (%s): %w", msg.Code, reliability.ErrInvalidCredentials)
	case "join_in_progress":
		return fmt.Errorf("join rejected: %w", reliability.ErrOperationInProgress)
	case "gateway_unavailable", "overloaded":
		return fmt.Errorf("join rejected (%s): %w", msg.Code, reliability.ErrGatewayUnavailable)
	default:
		return fmt.Errorf("join rejected (%s): %s", msg.Code, msg.Detail)
	}
}

// gatewayTrack is the published local capture on a gateway connection.
type gatewayTrack struct {
	transport *GatewayTransport

	mu      sync.Mutex
	stopped bool
	closed  bool
}

func (tr *gatewayTrack) SetMuted(muted bool) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return nil
	}
	return tr.transport.write(gatewayMessage{Type: "mute", Muted: muted})
}

func (tr *gatewayTrack) StopCapture() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.stopped {
		return nil
	}
	tr.stopped = true
	return tr.transport.write(gatewayMessage{Type: "capture_stop"})
}

func (tr *gatewayTrack) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return nil
	}
	tr.closed = true
	return tr.transport.write(gatewayMessage{Type: "unpublish"})
}
