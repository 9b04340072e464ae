package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"voice-orchestrator/internal/auth"
	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/config"
	"voice-orchestrator/internal/credits"
	"voice-orchestrator/internal/httpapi"
	"voice-orchestrator/internal/rbac"
	"voice-orchestrator/internal/telephony"
	"voice-orchestrator/internal/tenant"
	"voice-orchestrator/internal/usage"
	"voice-orchestrator/pkg/logger"
	"voice-orchestrator/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	cfg config.Config
	log *slog.Logger

	// ctx ends in-flight calls on shutdown.
	ctx context.Context

	db  *sql.DB
	rdb *redis.Client

	auth     *auth.Manager
	tenants  tenant.Store
	sessions *calls.Registry
	usage    *usage.Service
	credits  *credits.Meter
	calls    httpapi.CallServer

	// Optional speech pipeline for Media Streams.
	stt telephony.SpeechToText
	tts telephony.TextToSpeech
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := utils.HealthCheck(ctx, d.db, 2*time.Second); err != nil {
			logger.FromGin(c).Warn("postgres not ready", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "postgres unavailable"})
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := d.rdb.Ping(pingCtx).Err(); err != nil {
			logger.FromGin(c).Warn("redis not ready", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "active_calls": d.sessions.Len()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	mediaEnabled := d.cfg.Voice.MediaStreamEnabled && d.stt != nil && d.tts != nil
	if d.cfg.Voice.MediaStreamEnabled && !mediaEnabled {
		d.log.Warn("media streaming enabled without a speech pipeline; using ConversationRelay")
	}

	// Provider webhooks, signed by Twilio.
	{
		h := telephony.TwilioWebhookHandler{
			Tenants:         d.tenants,
			RelayURL:        d.cfg.PublicWS("/ws/relay"),
			MediaURL:        d.cfg.PublicWS("/ws/media"),
			UseMediaStream:  mediaEnabled,
			ActionURL:       d.cfg.PublicHTTP("/webhooks/twilio/voice/action"),
			DefaultLanguage: d.cfg.Voice.DefaultLanguage,
			TTSProvider:     d.cfg.Voice.TTSProvider,
			Voice:           d.cfg.Voice.TTSVoice,
		}
		hooks := r.Group("/webhooks/twilio")
		hooks.Use(telephony.RequireTwilioSignature(d.cfg.Twilio.AuthToken, d.cfg.PublicHTTP("")))
		hooks.POST("/voice", h.HandleInboundCall)
		hooks.POST("/voice/action", h.HandleConnectAction)
	}

	// Provider websockets.
	{
		// Twilio signs the handshake; the setup message's tenantId is only
		// trusted because of it.
		ws := r.Group("/ws")
		ws.Use(telephony.RequireTwilioSignature(d.cfg.Twilio.AuthToken, d.cfg.PublicWS("")))

		v := httpapi.VoiceHandlers{Calls: d.calls, Lifecycle: d.ctx, Log: d.log, Voice: d.cfg.Voice.TTSVoice}
		ws.GET("/relay", v.Relay)
		if mediaEnabled {
			v.STT, v.TTS = d.stt, d.tts
			ws.GET("/media", v.Media)
		}
	}

	h := httpapi.Handlers{
		Auth:     d.auth,
		Calls:    d.sessions,
		Usage:    d.usage,
		Credits:  d.credits,
		DevLogin: !d.cfg.IsProduction(),
	}

	// AUTH routes (token issuance). Development only.
	if h.DevLogin {
		r.POST("/v1/auth/login", h.Login)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth), rbac.RequireTenant())
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			tid, _ := auth.TenantID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "tenant_id": tid, "role": role})
		})

		v1.GET("/calls/active",
			rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator), h.ActiveCalls)
		v1.GET("/usage/summary",
			rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAnalyst), h.UsageSummary)
		v1.GET("/credits/:channel",
			rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAnalyst, rbac.RoleOperator), h.CreditState)
	}
}
