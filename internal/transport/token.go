package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pairspeak/pairspeak/internal/reliability"
)

// HTTPTokenIssuer fetches connection tokens from the token-issuing service.
type HTTPTokenIssuer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTokenIssuer(baseURL string) *HTTPTokenIssuer {
	return &HTTPTokenIssuer{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (i *HTTPTokenIssuer) ConnectionToken(ctx context.Context, roomID, userID string) (ConnectionToken, error) {
	body, err := json.Marshal(map[string]string{
		"room_id": roomID,
		"user_id": userID,
	})
	if err != nil {
		return ConnectionToken{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/v1/tokens", bytes.NewReader(body))
	if err != nil {
		return ConnectionToken{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return ConnectionToken{}, fmt.Errorf("token request: %w", reliability.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ConnectionToken{}, fmt.Errorf("token request %d: %w", resp.StatusCode, reliability.ErrInvalidCredentials)
	case reliability.IsRetryableHTTPStatus(resp.StatusCode):
		return ConnectionToken{}, fmt.Errorf("token request %d: %w", resp.StatusCode, reliability.ErrGatewayUnavailable)
	default:
		return ConnectionToken{}, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var token ConnectionToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return ConnectionToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(token.Token) == "" || strings.TrimSpace(token.AppID) == "" {
		return ConnectionToken{}, fmt.Errorf("token response missing credentials: %w", reliability.ErrInvalidCredentials)
	}
	return token, nil
}
