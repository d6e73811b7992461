// Package signaling carries call setup over ordinary chat messages.
//
// Offers, answers and ICE candidates are JSON envelopes posted as message
// bodies. Inbound messages are inspected before display; the ones that parse
// as envelopes are routed to the call layer instead.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/erpchat/internal/store"
)

// Marker is the subject attached to outbound envelopes. It is a prefilter
// hint only; Parse decides.
const Marker = "erpchat-signal"

// Type is the envelope kind.
type Type string

const (
	TypeOffer     Type = "sdp-offer"
	TypeAnswer    Type = "sdp-answer"
	TypeCandidate Type = "ice-candidate"
)

// ErrNotEnvelope marks a body that is ordinary chat content.
var ErrNotEnvelope = errors.New("signaling: not an envelope")

// Candidate is an ICE candidate as exchanged by browsers.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Envelope is the wire format of one signaling message.
type Envelope struct {
	Type      Type       `json:"type"`
	SessionID int64      `json:"sessionId"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	// CallType is "audio" or "video"; offers only.
	CallType  string `json:"callType,omitempty"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
}

// Parse decodes and validates a message body. Any body that is not a
// complete, valid envelope yields an error wrapping ErrNotEnvelope.
func Parse(body string) (*Envelope, error) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		return nil, ErrNotEnvelope
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEnvelope, err)
	}
	if err := exactKeys(fields, envelopeKeys); err != nil {
		return nil, err
	}
	if raw, ok := fields["candidate"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(raw, &inner) == nil {
			if err := exactKeys(inner, candidateKeys); err != nil {
				return nil, err
			}
		}
	}
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

var (
	envelopeKeys  = []string{"type", "sessionId", "sdp", "candidate", "callType", "timestamp", "from"}
	candidateKeys = []string{"candidate", "sdpMid", "sdpMLineIndex", "usernameFragment"}
)

// exactKeys rejects keys that differ from a wire name only by case, which
// encoding/json would otherwise accept.
func exactKeys(fields map[string]json.RawMessage, names []string) error {
	for key := range fields {
		for _, name := range names {
			if key != name && strings.EqualFold(key, name) {
				return fmt.Errorf("%w: field %q must be spelled %q", ErrNotEnvelope, key, name)
			}
		}
	}
	return nil
}

// Validate checks the fields required by the envelope's type.
func (e *Envelope) Validate() error {
	if e.SessionID == 0 {
		return fmt.Errorf("%w: missing sessionId", ErrNotEnvelope)
	}
	switch e.Type {
	case TypeOffer, TypeAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrNotEnvelope, e.Type)
		}
	case TypeCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrNotEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrNotEnvelope, e.Type)
	}
	return nil
}

// Encode returns the JSON body for the envelope.
func (e *Envelope) Encode() (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LooksLikeEnvelope is a cheap prefilter: false means the message is
// certainly chat, true means Parse should decide.
func LooksLikeEnvelope(m store.Message) bool {
	if m.Subject == Marker {
		return true
	}
	body := strings.TrimSpace(m.Body)
	return strings.HasPrefix(body, "{") && strings.Contains(body, `"sessionId"`)
}
