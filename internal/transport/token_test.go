package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pairspeak/pairspeak/internal/reliability"
)

func TestHTTPTokenIssuerReturnsToken(t *testing.T) {
	var gotRoom, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tokens" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotRoom = body["room_id"]
		gotUser = body["user_id"]
		_ = json.NewEncoder(w).Encode(ConnectionToken{Token: "t-123", AppID: "app-1"})
	}))
	defer srv.Close()

	issuer := NewHTTPTokenIssuer(srv.URL)
	token, err := issuer.ConnectionToken(context.Background(), "room-7", "user-9")
	if err != nil {
		t.Fatalf("ConnectionToken() error = %v", err)
	}
	if token.Token != "t-123" || token.AppID != "app-1" {
		t.Fatalf("token = %+v, want t-123/app-1", token)
	}
	if gotRoom != "room-7" || gotUser != "user-9" {
		t.Fatalf("request body room=%q user=%q", gotRoom, gotUser)
	}
}

func TestHTTPTokenIssuerClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, reliability.ErrInvalidCredentials},
		{http.StatusForbidden, reliability.ErrInvalidCredentials},
		{http.StatusServiceUnavailable, reliability.ErrGatewayUnavailable},
		{http.StatusInternalServerError, reliability.ErrGatewayUnavailable},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(c.status)
		}))
		issuer := NewHTTPTokenIssuer(srv.URL)
		_, err := issuer.ConnectionToken(context.Background(), "r", "u")
		srv.Close()
		if !errors.Is(err, c.want) {
			t.Fatalf("status %d: error = %v, want %v", c.status, err, c.want)
		}
	}
}

func TestHTTPTokenIssuerRejectsEmptyCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(ConnectionToken{})
	}))
	defer srv.Close()

	issuer := NewHTTPTokenIssuer(srv.URL)
	if _, err := issuer.ConnectionToken(context.Background(), "r", "u"); !errors.Is(err, reliability.ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
}
