package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AudioFormat describes the inbound media of a stream.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Transcript is a recognition result.
type Transcript struct {
	Text  string
	Final bool

	// SpeechStarted marks caller barge-in. Text is empty.
	SpeechStarted bool
}

// Recognizer consumes audio for one call. Results is closed after Close.
type Recognizer interface {
	Write(audio []byte) error
	Results() <-chan Transcript
	Close() error
}

// SpeechToText opens a recognizer per call.
type SpeechToText interface {
	Start(ctx context.Context, callID string, format AudioFormat) (Recognizer, error)
}

// TextToSpeech renders text to audio in the stream's outbound encoding
// (8 kHz mu-law for Twilio).
type TextToSpeech interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

type mediaInbound struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`

	Start *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      AudioFormat       `json:"mediaFormat"`
	} `json:"start,omitempty"`

	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`

	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`

	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type mediaOutbound struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

// mediaFrameBytes is one second of 8 kHz mu-law.
const mediaFrameBytes = 8000

// MediaStreamTransport adapts a bidirectional Twilio Media Stream. Inbound
// audio goes to a recognizer; outbound text is synthesized and streamed
// back as media frames.
type MediaStreamTransport struct {
	conn  *websocket.Conn
	stt   SpeechToText
	tts   TextToSpeech
	voice string
	log   *slog.Logger

	events chan Event
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex

	mu        sync.Mutex
	streamSid string
	rec       Recognizer
	turns     int
	readErr   error
}

func NewMediaStreamTransport(conn *websocket.Conn, stt SpeechToText, tts TextToSpeech, voice string, log *slog.Logger) *MediaStreamTransport {
	if log == nil {
		log = slog.Default()
	}
	return &MediaStreamTransport{
		conn:   conn,
		stt:    stt,
		tts:    tts,
		voice:  voice,
		log:    log,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

func (t *MediaStreamTransport) Next(ctx context.Context) (Event, error) {
	t.startOnce.Do(func() { go t.pump(ctx) })

	select {
	case ev, ok := <-t.events:
		if !ok {
			return Event{}, t.err()
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (t *MediaStreamTransport) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return t.readErr
	}
	return ErrTransportDisconnect
}

// pump reads websocket frames until stop or disconnect. Recognizer results
// are forwarded from a second goroutine; events is closed after both exit.
func (t *MediaStreamTransport) pump(ctx context.Context) {
	var wg sync.WaitGroup
	defer func() {
		t.mu.Lock()
		rec := t.rec
		t.mu.Unlock()
		if rec != nil {
			_ = rec.Close()
		}
		wg.Wait()
		close(t.events)
	}()

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.readErr = fmt.Errorf("%w: %v", ErrTransportDisconnect, err)
			t.mu.Unlock()
			return
		}
		var m mediaInbound
		if err := json.Unmarshal(raw, &m); err != nil {
			t.log.Warn("media: malformed frame", "err", err)
			continue
		}

		switch m.Event {
		case "connected":
		case "start":
			if m.Start == nil {
				continue
			}
			ev := Event{
				Type:   EventSetup,
				CallID: m.Start.CallSid,
				From:   m.Start.CustomParameters["from"],
				To:     m.Start.CustomParameters["to"],
				Params: m.Start.CustomParameters,
			}
			sid := m.Start.StreamSid
			if sid == "" {
				sid = m.StreamSid
			}
			rec, err := t.stt.Start(ctx, ev.CallID, m.Start.MediaFormat)
			if err != nil {
				t.mu.Lock()
				t.readErr = fmt.Errorf("telephony: start recognizer: %w", err)
				t.mu.Unlock()
				return
			}
			t.mu.Lock()
			t.streamSid = sid
			t.rec = rec
			t.mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				t.forward(rec)
			}()
			if !t.emit(ev) {
				return
			}
		case "media":
			if m.Media == nil || (m.Media.Track != "" && m.Media.Track != "inbound") {
				continue
			}
			t.mu.Lock()
			rec := t.rec
			t.mu.Unlock()
			if rec == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
			if err != nil {
				t.log.Warn("media: bad payload", "err", err)
				continue
			}
			if err := rec.Write(audio); err != nil {
				t.log.Warn("media: recognizer write failed", "err", err)
			}
		case "dtmf":
			if m.DTMF != nil && !t.emit(Event{Type: EventDTMF, Digit: m.DTMF.Digit}) {
				return
			}
		case "mark":
			if m.Mark != nil {
				t.log.Debug("media: playback mark", "name", m.Mark.Name)
			}
		case "stop":
			t.emit(Event{Type: EventClose})
			return
		default:
			t.log.Debug("media: ignoring event", "event", m.Event)
		}
	}
}

func (t *MediaStreamTransport) forward(rec Recognizer) {
	for tr := range rec.Results() {
		switch {
		case tr.SpeechStarted:
			if err := t.clear(); err != nil {
				t.log.Warn("media: clear failed", "err", err)
			}
			if !t.emit(Event{Type: EventInterrupt}) {
				return
			}
		case tr.Final && tr.Text != "":
			if !t.emit(Event{Type: EventPrompt, Text: tr.Text, Last: true}) {
				return
			}
		}
	}
}

func (t *MediaStreamTransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

func (t *MediaStreamTransport) SendText(ctx context.Context, token string, last bool) error {
	if token != "" {
		audio, err := t.tts.Synthesize(ctx, token, t.voice)
		if err != nil {
			return fmt.Errorf("telephony: synthesize: %w", err)
		}
		for len(audio) > 0 {
			n := len(audio)
			if n > mediaFrameBytes {
				n = mediaFrameBytes
			}
			frame := base64.StdEncoding.EncodeToString(audio[:n])
			if err := t.write(ctx, mediaOutbound{Event: "media", Media: &mediaPayload{Payload: frame}}); err != nil {
				return err
			}
			audio = audio[n:]
		}
	}
	if !last {
		return nil
	}
	t.mu.Lock()
	t.turns++
	name := fmt.Sprintf("turn-%d", t.turns)
	t.mu.Unlock()
	return t.write(ctx, mediaOutbound{Event: "mark", Mark: &markPayload{Name: name}})
}

// End closes the stream. The TwiML that opened it hangs up once the stream
// ends, so there is no in-band end message. Handoff data is logged only.
func (t *MediaStreamTransport) End(ctx context.Context, handoff map[string]any) error {
	if len(handoff) > 0 {
		t.log.Info("media: handoff requested on media stream", "handoff", handoff)
	}
	return t.Close()
}

func (t *MediaStreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *MediaStreamTransport) clear() error {
	return t.write(context.Background(), mediaOutbound{Event: "clear"})
}

var errNoStream = errors.New("telephony: media stream not started")

func (t *MediaStreamTransport) write(ctx context.Context, msg mediaOutbound) error {
	t.mu.Lock()
	msg.StreamSid = t.streamSid
	t.mu.Unlock()
	if msg.StreamSid == "" {
		return errNoStream
	}

	deadline := time.Now().Add(relayWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteJSON(msg)
}
