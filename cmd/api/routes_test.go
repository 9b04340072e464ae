package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/config"
	"voice-orchestrator/internal/telephony"
	"voice-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
)

type countingServer struct{ served int }

func (s *countingServer) Serve(ctx context.Context, tr telephony.Transport) error {
	s.served++
	return nil
}

func testRouter(t *testing.T, srv *countingServer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		App:    config.AppConfig{Env: "production"},
		Twilio: config.TwilioConfig{AuthToken: "token"},
		Voice:  config.VoiceConfig{PublicWSURL: "wss://voice.example.com", DefaultLanguage: "es"},
	}
	r := gin.New()
	registerRoutes(r, routeDeps{
		cfg:      cfg,
		log:      logger.Discard(),
		ctx:      context.Background(),
		sessions: calls.NewRegistry(),
		calls:    srv,
	})
	return r
}

func TestRoutes_UnsignedWebsocketUpgradeIsRefused(t *testing.T) {
	srv := &countingServer{}
	r := testRouter(t, srv)

	for _, sig := range []string{"", "forged"} {
		req := httptest.NewRequest(http.MethodGet, "/ws/relay", nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		req.Header.Set("Sec-WebSocket-Version", "13")
		req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
		if sig != "" {
			req.Header.Set("X-Twilio-Signature", sig)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Fatalf("signature %q: expected 403, got %d", sig, w.Code)
		}
	}
	if srv.served != 0 {
		t.Fatalf("expected no call to be served, got %d", srv.served)
	}
}

func TestRoutes_UnsignedWebhookIsRefused(t *testing.T) {
	r := testRouter(t, &countingServer{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/voice", nil)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestRoutes_MediaNotMountedWithoutSpeechPipeline(t *testing.T) {
	r := testRouter(t, &countingServer{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/media", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
