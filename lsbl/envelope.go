package lsbl

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// MessageType is the kind of an envelope as carried in its address block.
type MessageType string

const (
	TypeCommand  MessageType = "lsbl_cmd"
	TypeResponse MessageType = "lsbl_app_response"
	TypeEvent    MessageType = "lsbl_event"
	TypeAck      MessageType = "lsbl_app_ack"
	TypeNack     MessageType = "lsbl_app_nack"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeCommand, TypeResponse, TypeEvent, TypeAck, TypeNack:
		return true
	}
	return false
}

// Envelope is a single LsBL message: an address block, an optional header
// and exactly one of the command, response or event bodies.
type Envelope struct {
	Hdr      *Hdr  `xml:"hdr,omitempty"`
	Adr      *Adr  `xml:"adr"`
	Cmd      *Body `xml:"cmd,omitempty"`
	Response *Body `xml:"response,omitempty"`
	Event    *Body `xml:"event,omitempty"`
}

type Hdr struct {
	Token string `xml:"token,omitempty"`
}

// Adr addresses an envelope. Src and Target name logical queues.
type Adr struct {
	Seq    uint32      `xml:"seq"`
	Src    string      `xml:"src,omitempty"`
	Target string      `xml:"target,omitempty"`
	Type   MessageType `xml:"type"`
}

// Body holds the raw XML content of a command, response or event element.
// The content is kept verbatim so that service specific schemas stay opaque
// to the codec.
type Body struct {
	Inner string `xml:",innerxml"`
}

// NewBody marshals v as the content of a body element.
func NewBody(v any) (*Body, error) {
	if v == nil {
		return &Body{}, nil
	}
	b, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return &Body{Inner: string(b)}, nil
}

// Decode unmarshals the body content into v.
func (b *Body) Decode(v any) error {
	if b == nil || strings.TrimSpace(b.Inner) == "" {
		return ErrEmptyBody
	}
	if err := xml.Unmarshal([]byte(b.Inner), v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// Seq returns the sequence number of the envelope or 0 without an address.
func (e *Envelope) Seq() uint32 {
	if e == nil || e.Adr == nil {
		return 0
	}
	return e.Adr.Seq
}

// Kind returns the message type of the envelope or "" without an address.
func (e *Envelope) Kind() MessageType {
	if e == nil || e.Adr == nil {
		return ""
	}
	return e.Adr.Type
}

// Token returns the session token carried in the header.
func (e *Envelope) Token() string {
	if e == nil || e.Hdr == nil {
		return ""
	}
	return e.Hdr.Token
}

// SetToken attaches token to the envelope header.
func (e *Envelope) SetToken(token string) {
	if e.Hdr == nil {
		e.Hdr = &Hdr{}
	}
	e.Hdr.Token = token
}

// NewCommand creates a command envelope for the given service queue.
// Sequence number and source are assigned when the command is sent.
func NewCommand(target string, cmd any) (*Envelope, error) {
	body, err := NewBody(cmd)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Adr: &Adr{Target: target, Type: TypeCommand},
		Cmd: body,
	}, nil
}

// NewEvent creates an event envelope published by src under the given name.
func NewEvent(src, name string, seq uint32, event any) (*Envelope, error) {
	body, err := NewBody(event)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Adr:   &Adr{Seq: seq, Src: src, Target: name, Type: TypeEvent},
		Event: body,
	}, nil
}
