package telephony

import (
	"context"
	"errors"
)

// ErrTransportDisconnect is returned by Transport.Next once the remote side
// has gone away. Callers treat it like an explicit close.
var ErrTransportDisconnect = errors.New("telephony: transport disconnected")

type EventType string

const (
	EventSetup     EventType = "setup"
	EventPrompt    EventType = "prompt"
	EventInterrupt EventType = "interrupt"
	EventDTMF      EventType = "dtmf"
	EventClose     EventType = "close"
)

// Event is a provider-neutral inbound event.
type Event struct {
	Type EventType

	// Setup fields.
	CallID string
	From   string
	To     string
	Params map[string]string

	// Prompt fields.
	Text string
	Last bool

	Digit string
}

// Param returns a custom parameter from a setup event.
func (e Event) Param(key string) string {
	if e.Params == nil {
		return ""
	}
	return e.Params[key]
}

// Transport is one live call connection. Next is called from a single
// goroutine; SendText and End may be called concurrently with Next.
type Transport interface {
	// Next blocks for the next inbound event.
	Next(ctx context.Context) (Event, error)

	// SendText emits a speakable fragment. last marks the end of a turn.
	SendText(ctx context.Context, token string, last bool) error

	// End asks the provider to terminate the call. handoff is optional
	// metadata passed along to the provider.
	End(ctx context.Context, handoff map[string]any) error

	// Close releases the connection. It unblocks a pending Next.
	Close() error
}
