package telephony

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"voice-orchestrator/internal/tenant"
	"voice-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TwilioInboundForm is the subset of voice webhook fields we use. Twilio
// posts application/x-www-form-urlencoded.
type TwilioInboundForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	CallerName string
}

func ParseTwilioInboundCall(r *http.Request) (TwilioInboundForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioInboundForm{}, err
	}
	return TwilioInboundForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       strings.TrimSpace(r.PostFormValue("From")),
		To:         strings.TrimSpace(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
		CallerName: r.PostFormValue("CallerName"),
	}, nil
}

// Handoff reason codes carried in ConversationRelay handoffData.
const HandoffLiveAgent = "live-agent-handoff"

// HandoffData is what the session sends with its end message.
type HandoffData struct {
	ReasonCode string `json:"reasonCode"`
	Reason     string `json:"reason,omitempty"`
	Department string `json:"department,omitempty"`
	ConnectTo  string `json:"connectTo,omitempty"`
	Queued     bool   `json:"queued,omitempty"`
}

// TwilioWebhookHandler answers Twilio voice webhooks with TwiML that
// connects the call to our websocket endpoints.
//
// The tenant is resolved here when possible and passed on as the tenantId
// custom parameter. Unresolved calls are still connected so the session can
// reject them with a spoken message.
type TwilioWebhookHandler struct {
	Tenants tenant.Store

	RelayURL       string
	MediaURL       string
	UseMediaStream bool

	// ActionURL receives the ConversationRelay end callback.
	ActionURL string

	DefaultLanguage string
	TTSProvider     string
	Voice           string
}

func (h TwilioWebhookHandler) HandleInboundCall(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioInboundCall(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	log = log.With("call_id", form.CallSid)

	params := map[string]string{"from": form.From, "to": form.To}
	lang := h.DefaultLanguage
	if h.Tenants != nil {
		id, err := h.Tenants.ResolveNumber(c.Request.Context(), form.To)
		switch {
		case err == nil:
			params["tenantId"] = strconv.FormatInt(id, 10)
			if t, err := h.Tenants.Get(c.Request.Context(), id); err == nil {
				lang = t.Lang(lang)
			}
		case errors.Is(err, tenant.ErrNotFound):
			log.Info("no tenant for dialed number", "to", form.To)
		default:
			log.Warn("tenant resolution failed", "to", form.To, "err", err)
		}
	}

	res := Response{
		Action: ActionRelay,
		Connect: ConnectOptions{
			URL:         h.RelayURL,
			Action:      h.ActionURL,
			Language:    LocaleFor(lang),
			TTSProvider: h.TTSProvider,
			Voice:       h.Voice,
			Params:      params,
		},
	}
	if h.UseMediaStream {
		res.Action = ActionStream
		res.Connect = ConnectOptions{URL: h.MediaURL, Params: params}
	}

	h.writeTwiML(c, res)
}

// HandleConnectAction is requested by Twilio after a ConversationRelay
// session ends. A live-agent handoff with a destination is dialled; anything
// else hangs up.
func (h TwilioWebhookHandler) HandleConnectAction(c *gin.Context) {
	log := logger.FromGin(c)
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	log = log.With("call_id", c.Request.PostFormValue("CallSid"))

	res := Response{Action: ActionHangup}
	if raw := c.Request.PostFormValue("HandoffData"); raw != "" {
		var hd HandoffData
		if err := json.Unmarshal([]byte(raw), &hd); err != nil {
			log.Warn("handoff data unreadable", "err", err)
		} else if hd.ReasonCode == HandoffLiveAgent && hd.ConnectTo != "" {
			log.Info("handing call to live agent", "department", hd.Department)
			res = Response{Action: ActionDial, DialTo: hd.ConnectTo}
		}
	}
	h.writeTwiML(c, res)
}

func (h TwilioWebhookHandler) writeTwiML(c *gin.Context, res Response) {
	twiml, err := RenderTwiML(res)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// LocaleFor maps a short language code to the locale Twilio expects.
func LocaleFor(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "es":
		return "es-ES"
	case "en":
		return "en-US"
	case "":
		return ""
	default:
		return lang
	}
}
