package roomsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Analytics summarizes a completed session for reporting.
type Analytics struct {
	DurationMinutes int       `json:"duration_minutes"`
	JoinedAt        time.Time `json:"joined_at"`
	LeftAt          time.Time `json:"left_at"`
}

// Service is the room coordination backend. All calls are best-effort from
// the controller's point of view: termination never blocks on them.
type Service interface {
	UpdateRoomStatus(ctx context.Context, roomID, status string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	EndRoomForAllParticipants(ctx context.Context, roomID, userID string, durationMinutes int) error
	SaveSessionAnalytics(ctx context.Context, roomID, userID string, a Analytics) error
	// ActiveSessionFor returns the room id of the user's current active
	// session, or "" when none exists. Used at entry to redirect a user
	// already practicing elsewhere.
	ActiveSessionFor(ctx context.Context, userID string) (string, error)
}

// HTTPClient talks to the room coordination service over its JSON API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) UpdateRoomStatus(ctx context.Context, roomID, status string) error {
	return c.post(ctx, fmt.Sprintf("/v1/rooms/%s/status", roomID), map[string]string{
		"status": status,
	})
}

func (c *HTTPClient) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/rooms/%s/participants/%s/remove", roomID, userID), nil)
}

func (c *HTTPClient) EndRoomForAllParticipants(ctx context.Context, roomID, userID string, durationMinutes int) error {
	return c.post(ctx, fmt.Sprintf("/v1/rooms/%s/end", roomID), map[string]any{
		"user_id":          userID,
		"duration_minutes": durationMinutes,
	})
}

func (c *HTTPClient) SaveSessionAnalytics(ctx context.Context, roomID, userID string, a Analytics) error {
	return c.post(ctx, fmt.Sprintf("/v1/rooms/%s/analytics", roomID), map[string]any{
		"user_id":          userID,
		"duration_minutes": a.DurationMinutes,
		"joined_at":        a.JoinedAt,
		"left_at":          a.LeftAt,
	})
}

func (c *HTTPClient) ActiveSessionFor(ctx context.Context, userID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/users/%s/active-session", c.baseURL, userID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("active session lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("active session lookup failed with status %d", resp.StatusCode)
	}
	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode active session: %w", err)
	}
	return out.RoomID, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("room service %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("room service %s failed with status %d", path, resp.StatusCode)
	}
	return nil
}
