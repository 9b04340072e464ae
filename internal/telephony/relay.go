package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const relayWriteTimeout = 5 * time.Second

// relayInbound is the union of ConversationRelay messages we read.
type relayInbound struct {
	Type string `json:"type"`

	CallSid          string            `json:"callSid"`
	CallID           string            `json:"callId"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	CustomParameters map[string]string `json:"customParameters"`

	VoicePrompt string `json:"voicePrompt"`
	VoiceInput  string `json:"voiceInput"`
	Transcript  string `json:"transcript"`
	Text        string `json:"text"`
	Last        *bool  `json:"last"`

	Digit string `json:"digit"`

	UtteranceUntilInterrupt string `json:"utteranceUntilInterrupt"`
	Description             string `json:"description"`
}

func (m relayInbound) promptText() string {
	for _, s := range []string{m.VoicePrompt, m.VoiceInput, m.Transcript, m.Text} {
		if s != "" {
			return s
		}
	}
	return ""
}

type relayText struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

type relayEnd struct {
	Type        string `json:"type"`
	HandoffData string `json:"handoffData,omitempty"`
}

// RelayTransport speaks the ConversationRelay text protocol: the provider
// does speech recognition and synthesis, we exchange text.
type RelayTransport struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	closeMu sync.Once
}

func NewRelayTransport(conn *websocket.Conn, log *slog.Logger) *RelayTransport {
	if log == nil {
		log = slog.Default()
	}
	return &RelayTransport{conn: conn, log: log}
}

// Next returns the next recognised event. Malformed frames and provider
// error reports are logged and skipped.
func (t *RelayTransport) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrTransportDisconnect, err)
		}

		var m relayInbound
		if err := json.Unmarshal(raw, &m); err != nil {
			t.log.Warn("relay: malformed frame", "err", err)
			continue
		}

		switch m.Type {
		case "setup":
			id := m.CallSid
			if id == "" {
				id = m.CallID
			}
			return Event{Type: EventSetup, CallID: id, From: m.From, To: m.To, Params: m.CustomParameters}, nil
		case "prompt":
			last := true
			if m.Last != nil {
				last = *m.Last
			}
			return Event{Type: EventPrompt, Text: m.promptText(), Last: last}, nil
		case "interrupt":
			return Event{Type: EventInterrupt, Text: m.UtteranceUntilInterrupt}, nil
		case "dtmf":
			return Event{Type: EventDTMF, Digit: strings.TrimSpace(m.Digit)}, nil
		case "error":
			t.log.Warn("relay: provider reported error", "description", m.Description)
		default:
			t.log.Debug("relay: ignoring message", "type", m.Type)
		}
	}
}

func (t *RelayTransport) SendText(ctx context.Context, token string, last bool) error {
	return t.write(ctx, relayText{Type: "text", Token: token, Last: last})
}

func (t *RelayTransport) End(ctx context.Context, handoff map[string]any) error {
	msg := relayEnd{Type: "end"}
	if len(handoff) > 0 {
		b, err := json.Marshal(handoff)
		if err != nil {
			return err
		}
		msg.HandoffData = string(b)
	}
	return t.write(ctx, msg)
}

func (t *RelayTransport) Close() error {
	var err error
	t.closeMu.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *RelayTransport) write(ctx context.Context, v any) error {
	deadline := time.Now().Add(relayWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteJSON(v)
}
