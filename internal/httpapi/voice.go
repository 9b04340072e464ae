package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"voice-orchestrator/internal/telephony"
	"voice-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// CallServer runs one call over a transport until it ends.
type CallServer interface {
	Serve(ctx context.Context, tr telephony.Transport) error
}

// VoiceHandlers upgrades provider websocket connections and hands them to
// the orchestrator. Each connection is served on the request goroutine.
type VoiceHandlers struct {
	Calls CallServer

	// Lifecycle cancels in-flight calls on shutdown; hijacked connections
	// are not tracked by http.Server.Shutdown.
	Lifecycle context.Context

	STT   telephony.SpeechToText
	TTS   telephony.TextToSpeech
	Voice string

	Log *slog.Logger
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
}

// Relay serves a ConversationRelay text session.
func (h VoiceHandlers) Relay(c *gin.Context) {
	h.serve(c, "relay", func(conn *websocket.Conn, log *slog.Logger) telephony.Transport {
		return telephony.NewRelayTransport(conn, log)
	})
}

// Media serves a Media Streams audio session. It requires a speech pipeline.
func (h VoiceHandlers) Media(c *gin.Context) {
	if h.STT == nil || h.TTS == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "media streaming not enabled"})
		return
	}
	h.serve(c, "media", func(conn *websocket.Conn, log *slog.Logger) telephony.Transport {
		return telephony.NewMediaStreamTransport(conn, h.STT, h.TTS, h.Voice, log)
	})
}

func (h VoiceHandlers) serve(c *gin.Context, kind string, build func(*websocket.Conn, *slog.Logger) telephony.Transport) {
	log := h.Log
	if log == nil {
		log = logger.FromGin(c)
	}
	log = log.With("transport", kind)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(logger.With(c.Request.Context(), log))
	defer cancel()
	if h.Lifecycle != nil {
		stop := context.AfterFunc(h.Lifecycle, cancel)
		defer stop()
	}

	if err := h.Calls.Serve(ctx, build(conn, log)); err != nil {
		log.Info("call ended", "err", err)
	}
}
