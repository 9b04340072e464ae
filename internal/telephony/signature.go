package telephony

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"voice-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"
)

const signatureHeader = "X-Twilio-Signature"

// maxSignedBody bounds how much of a JSON webhook body is read for validation.
const maxSignedBody = 1 << 20

// RequireTwilioSignature rejects requests whose X-Twilio-Signature does not
// match. It covers form webhooks, JSON webhooks (bodySHA256) and websocket
// handshakes, which Twilio signs over the wss:// URL alone.
//
// publicBaseURL is the externally visible scheme and host (for example
// https://voice.example.com or wss://voice.example.com); when empty it is
// derived from the request. An empty authToken disables the check.
func RequireTwilioSignature(authToken, publicBaseURL string) gin.HandlerFunc {
	validator := client.NewRequestValidator(authToken)

	return func(c *gin.Context) {
		if authToken == "" {
			c.Next()
			return
		}
		log := logger.FromGin(c)
		got := c.GetHeader(signatureHeader)
		if got == "" {
			log.Warn("twilio signature missing", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing signature"})
			return
		}
		full := requestURL(c.Request, publicBaseURL)

		var ok bool
		if isJSON(c.Request) {
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
			ok = validator.ValidateBody(full, body, got)
		} else {
			if err := c.Request.ParseForm(); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
				return
			}
			ok = validator.Validate(full, flatten(c.Request.PostForm), got)
		}
		if !ok {
			log.Warn("twilio signature mismatch", "url", full)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}

// flatten keeps the first value per key; Twilio never repeats webhook params.
func flatten(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func requestURL(r *http.Request, base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		secure := r.TLS != nil
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			secure = p == "https" || p == "wss"
		}
		scheme := "http"
		switch {
		case isWebsocket(r) && secure:
			scheme = "wss"
		case isWebsocket(r):
			scheme = "ws"
		case secure:
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}
