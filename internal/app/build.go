package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pairspeak/pairspeak/internal/config"
	"github.com/pairspeak/pairspeak/internal/controller"
	"github.com/pairspeak/pairspeak/internal/httpapi"
	"github.com/pairspeak/pairspeak/internal/observability"
	"github.com/pairspeak/pairspeak/internal/roomsvc"
	"github.com/pairspeak/pairspeak/internal/store"
	"github.com/pairspeak/pairspeak/internal/transport"
)

// BuildResult bundles everything main needs to run and shut down the service.
type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *controller.Manager
	Metrics  *observability.Metrics
	Perf     *observability.LifecycleWindow

	// Cleanup releases external resources (DB pool, etc) on shutdown.
	Cleanup func() error
}

// Build wires the service from config. External backends fall back to
// in-process mocks when their URLs are unset, so local development needs no
// gateway, token service, room service, or database.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	perf := observability.NewLifecycleWindow(cfg.PerfWindowSize)

	sessionStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	var tokens transport.TokenIssuer
	if strings.TrimSpace(cfg.TokenServiceURL) != "" {
		tokens = transport.NewHTTPTokenIssuer(cfg.TokenServiceURL)
		log.Printf("token issuer: %s", cfg.TokenServiceURL)
	} else {
		tokens = &transport.MockTokenIssuer{}
		log.Printf("token issuer: mock (TOKEN_SERVICE_URL not set)")
	}
	tokens = newPerfTokenIssuer(tokens, perf)

	var newTransport func() transport.Transport
	if strings.TrimSpace(cfg.AudioGatewayURL) != "" {
		gatewayURL := cfg.AudioGatewayURL
		newTransport = func() transport.Transport {
			return transport.NewGatewayTransport(transport.GatewayConfig{BaseURL: gatewayURL})
		}
		log.Printf("audio gateway: %s", cfg.AudioGatewayURL)
	} else {
		newTransport = func() transport.Transport { return transport.NewMockTransport() }
		log.Printf("audio gateway: mock (AUDIO_GATEWAY_URL not set)")
	}

	var rooms roomsvc.Service
	if strings.TrimSpace(cfg.RoomServiceURL) != "" {
		rooms = roomsvc.NewHTTPClient(cfg.RoomServiceURL)
		log.Printf("room service: %s", cfg.RoomServiceURL)
	} else {
		rooms = roomsvc.NewMockService()
		log.Printf("room service: mock (ROOM_SERVICE_URL not set)")
	}

	base := controller.Config{
		MaxDuration:           cfg.SessionMaxDuration,
		TickInterval:          cfg.TickInterval,
		WatchdogInterval:      cfg.WatchdogInterval,
		DriftBound:            cfg.DriftBound,
		WarningHold:           cfg.WarningHold,
		JoinRetryDelay:        cfg.JoinRetryDelay,
		JoinSettleDelay:       cfg.JoinSettleDelay,
		RestoreTimeout:        cfg.RestoreTimeout,
		RecordMaxAge:          cfg.RecordMaxAge,
		RecordRefreshInterval: cfg.RecordRefreshInterval,
		CompleteNoticeDelay:   cfg.CompleteNoticeDelay,
	}
	sessions := controller.NewManager(base, controller.Deps{
		Tokens:  tokens,
		Store:   sessionStore,
		Rooms:   rooms,
		Metrics: metrics,
		Perf:    perf,
	}, newTransport, cfg.EndedRetention)

	api := httpapi.New(cfg, sessions, metrics, perf)

	cleanup := func() error {
		return sessionStore.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Perf:     perf,
		Cleanup:  cleanup,
	}, nil
}

// perfTokenIssuer records token fetch latency around the wrapped issuer.
type perfTokenIssuer struct {
	inner transport.TokenIssuer
	perf  *observability.LifecycleWindow
}

func newPerfTokenIssuer(inner transport.TokenIssuer, perf *observability.LifecycleWindow) transport.TokenIssuer {
	return &perfTokenIssuer{inner: inner, perf: perf}
}

func (p *perfTokenIssuer) ConnectionToken(ctx context.Context, roomID, userID string) (transport.ConnectionToken, error) {
	start := time.Now()
	token, err := p.inner.ConnectionToken(ctx, roomID, userID)
	if err == nil {
		p.perf.ObserveSince(observability.StageTokenFetch, start)
	}
	return token, err
}
