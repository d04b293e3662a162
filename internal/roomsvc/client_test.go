package roomsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientEndRoomAndAnalytics(t *testing.T) {
	type call struct {
		path string
		body map[string]any
	}
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, call{path: r.URL.Path, body: body})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	ctx := context.Background()

	if err := c.EndRoomForAllParticipants(ctx, "room-1", "u1", 13); err != nil {
		t.Fatalf("EndRoomForAllParticipants() error = %v", err)
	}
	joined := time.Now().Add(-13 * time.Minute).UTC()
	if err := c.SaveSessionAnalytics(ctx, "room-1", "u1", Analytics{
		DurationMinutes: 13,
		JoinedAt:        joined,
		LeftAt:          joined.Add(13 * time.Minute),
	}); err != nil {
		t.Fatalf("SaveSessionAnalytics() error = %v", err)
	}
	if err := c.UpdateRoomStatus(ctx, "room-1", "ended"); err != nil {
		t.Fatalf("UpdateRoomStatus() error = %v", err)
	}
	if err := c.RemoveParticipant(ctx, "room-1", "u1"); err != nil {
		t.Fatalf("RemoveParticipant() error = %v", err)
	}

	if len(calls) != 4 {
		t.Fatalf("calls = %d, want 4", len(calls))
	}
	if calls[0].path != "/v1/rooms/room-1/end" {
		t.Fatalf("end path = %q", calls[0].path)
	}
	if got := calls[0].body["duration_minutes"].(float64); got != 13 {
		t.Fatalf("duration_minutes = %v, want 13", got)
	}
	if calls[1].path != "/v1/rooms/room-1/analytics" {
		t.Fatalf("analytics path = %q", calls[1].path)
	}
	if calls[2].body["status"] != "ended" {
		t.Fatalf("status body = %v", calls[2].body)
	}
	if calls[3].path != "/v1/rooms/room-1/participants/u1/remove" {
		t.Fatalf("remove path = %q", calls[3].path)
	}
}

func TestHTTPClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	if err := c.EndRoomForAllParticipants(context.Background(), "r", "u", 1); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestHTTPClientActiveSessionLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/busy/active-session":
			_ = json.NewEncoder(w).Encode(map[string]string{"room_id": "room-9"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	room, err := c.ActiveSessionFor(context.Background(), "busy")
	if err != nil {
		t.Fatalf("ActiveSessionFor() error = %v", err)
	}
	if room != "room-9" {
		t.Fatalf("room = %q, want room-9", room)
	}

	room, err = c.ActiveSessionFor(context.Background(), "idle")
	if err != nil {
		t.Fatalf("ActiveSessionFor() error = %v", err)
	}
	if room != "" {
		t.Fatalf("room = %q, want empty", room)
	}
}
