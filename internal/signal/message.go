// Package signal defines the call signaling message union and the broadcast
// channel transports that carry it. All coordination between the two peers of
// a call rides on these messages — there is no signaling server holding call
// state, so every transport must deliver to all other subscribers of a room
// and must never hand a malformed payload to the state machine.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the signaling message union.
type Kind string

const (
	KindReady     Kind = "ready"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindHangup    Kind = "hangup"
)

// Candidate is the wire form of one ICE candidate.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Message is one signaling message. From always carries the sender's
// participant identity; receivers drop messages whose From equals their own
// identity, since a transport may echo to the sender.
type Message struct {
	Kind      Kind       `json:"type"`
	From      string     `json:"from"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

var errBadMessage = errors.New("signal: malformed message")

// Decode parses and validates a wire payload. Payloads that do not form a
// complete message of a known kind are rejected here, at the channel
// boundary, so the call state machine only ever sees well-formed messages.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the message is complete for its kind.
func (m Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: missing from", errBadMessage)
	}
	switch m.Kind {
	case KindReady, KindHangup:
		return nil
	case KindOffer, KindAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", errBadMessage, m.Kind)
		}
		return nil
	case KindCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("%w: candidate without payload", errBadMessage)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", errBadMessage, m.Kind)
	}
}

// Encode marshals the message for the wire.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
