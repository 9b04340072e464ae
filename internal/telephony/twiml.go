package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML is built from small structs rather than a provider SDK; only the
// verbs this service returns are modelled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlDial struct {
	XMLName xml.Name  `xml:"Dial"`
	Number  string    `xml:"Number,omitempty"`
	Sip     *twimlSip `xml:"Sip,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

type twimlConnect struct {
	XMLName xml.Name `xml:"Connect"`
	Action  string   `xml:"action,attr,omitempty"`
	Relay   *twimlConversationRelay
	Stream  *twimlStream
}

type twimlConversationRelay struct {
	XMLName       xml.Name         `xml:"ConversationRelay"`
	URL           string           `xml:"url,attr"`
	Language      string           `xml:"language,attr,omitempty"`
	TTSProvider   string           `xml:"ttsProvider,attr,omitempty"`
	Voice         string           `xml:"voice,attr,omitempty"`
	DTMFDetection bool             `xml:"dtmfDetection,attr,omitempty"`
	Interruptible string           `xml:"interruptible,attr,omitempty"`
	Params        []twimlParameter `xml:"Parameter"`
}

type twimlStream struct {
	XMLName xml.Name         `xml:"Stream"`
	URL     string           `xml:"url,attr"`
	Params  []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type Action string

const (
	ActionReject Action = "reject"
	ActionHangup Action = "hangup"
	ActionDial   Action = "dial"
	ActionRelay  Action = "relay"
	ActionStream Action = "stream"
)

// ConnectOptions configures a <Connect> to one of our websocket endpoints.
type ConnectOptions struct {
	URL string

	// Action is the URL Twilio requests when the connection ends.
	Action string

	Language    string
	TTSProvider string
	Voice       string

	Params map[string]string
}

// Response is what the webhook decided to do with a call.
type Response struct {
	Action Action

	// Say is spoken before the main verb when non-empty.
	Say      string
	Language string

	// DialTo is an E.164 number or sip: URI for ActionDial.
	DialTo string

	Connect ConnectOptions
}

// RenderTwiML renders r as a TwiML document.
func RenderTwiML(r Response) (string, error) {
	var doc twimlResponse
	if strings.TrimSpace(r.Say) != "" {
		doc.Verbs = append(doc.Verbs, twimlSay{Language: r.Language, Text: r.Say})
	}

	switch r.Action {
	case ActionReject:
		doc.Verbs = append(doc.Verbs, twimlReject{Reason: "busy"})
	case ActionHangup:
		doc.Verbs = append(doc.Verbs, twimlHangup{})
	case ActionDial:
		target := strings.TrimSpace(r.DialTo)
		if target == "" {
			return "", errors.New("telephony: dial target required")
		}
		d := twimlDial{}
		if strings.HasPrefix(strings.ToLower(target), "sip:") {
			d.Sip = &twimlSip{URI: target}
		} else {
			d.Number = target
		}
		doc.Verbs = append(doc.Verbs, d)
	case ActionRelay, ActionStream:
		c, err := connectVerb(r.Action, r.Connect)
		if err != nil {
			return "", err
		}
		doc.Verbs = append(doc.Verbs, c)
		// A media stream has no in-band end message; the call moves on to
		// the next verb when the socket closes.
		if r.Action == ActionStream && r.Connect.Action == "" {
			doc.Verbs = append(doc.Verbs, twimlHangup{})
		}
	default:
		return "", errors.New("telephony: unknown twiml action")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderConnectTwiML points the call at a relay or media-stream websocket.
func RenderConnectTwiML(action Action, o ConnectOptions) (string, error) {
	return RenderTwiML(Response{Action: action, Connect: o})
}

func connectVerb(action Action, o ConnectOptions) (twimlConnect, error) {
	url := strings.TrimSpace(o.URL)
	if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
		return twimlConnect{}, errors.New("telephony: connect url must be a websocket url")
	}
	c := twimlConnect{Action: o.Action}
	params := sortedParams(o.Params)
	if action == ActionRelay {
		c.Relay = &twimlConversationRelay{
			URL:           url,
			Language:      o.Language,
			TTSProvider:   o.TTSProvider,
			Voice:         o.Voice,
			DTMFDetection: true,
			Interruptible: "speech",
			Params:        params,
		}
	} else {
		c.Stream = &twimlStream{URL: url, Params: params}
	}
	return c, nil
}

func sortedParams(m map[string]string) []twimlParameter {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]twimlParameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, twimlParameter{Name: k, Value: m[k]})
	}
	return out
}
