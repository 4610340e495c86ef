package lsbl

import (
	"encoding/xml"
	"time"
)

// Error codes of NACKs synthesized on the client side.
const (
	ErrCodeTimeout        = "timeout"
	ErrCodeTransportError = "transport_error"
	ErrCodeParseError     = "parse_error"
)

type CommonResponse struct {
	XMLName xml.Name      `xml:"common_response"`
	Ack     *AckResponse  `xml:"ack,omitempty"`
	Nack    *NackResponse `xml:"nack,omitempty"`
}

type AckResponse struct{}

type NackResponse struct {
	ErrorCode   string `xml:"error_code,omitempty"`
	ServiceCode string `xml:"service_code,omitempty"`
	Message     string `xml:"message,omitempty"`
	Timestamp   int64  `xml:"timestamp,omitempty"`
}

func IsResponse(e *Envelope) bool { return e.Kind() == TypeResponse }
func IsAck(e *Envelope) bool      { return e.Kind() == TypeAck }
func IsNack(e *Envelope) bool     { return e.Kind() == TypeNack }

// NackOf returns the NACK carried by e, if any.
func NackOf(e *Envelope) (*NackResponse, bool) {
	if !IsNack(e) || e.Response == nil {
		return nil, false
	}
	var cr CommonResponse
	if err := e.Response.Decode(&cr); err != nil || cr.Nack == nil {
		return nil, false
	}
	return cr.Nack, true
}

// NewNack builds a NACK answering req. The address of req is reversed and
// its sequence number kept, so the result correlates with the request.
func NewNack(req *Envelope, code, message string, at time.Time) *Envelope {
	adr := &Adr{Type: TypeNack}
	if req != nil && req.Adr != nil {
		adr.Seq = req.Adr.Seq
		adr.Src = req.Adr.Target
		adr.Target = req.Adr.Src
	}

	body, _ := NewBody(&CommonResponse{
		Nack: &NackResponse{
			ErrorCode: code,
			Message:   message,
			Timestamp: at.Unix(),
		},
	})

	return &Envelope{Adr: adr, Response: body}
}

// NewAck builds an ACK answering req.
func NewAck(req *Envelope) *Envelope {
	adr := &Adr{Type: TypeAck}
	if req != nil && req.Adr != nil {
		adr.Seq = req.Adr.Seq
		adr.Src = req.Adr.Target
		adr.Target = req.Adr.Src
	}
	body, _ := NewBody(&CommonResponse{Ack: &AckResponse{}})
	return &Envelope{Adr: adr, Response: body}
}

// NewResponse builds a service response answering req with the given body.
func NewResponse(req *Envelope, resp any) (*Envelope, error) {
	body, err := NewBody(resp)
	if err != nil {
		return nil, err
	}
	adr := &Adr{Type: TypeResponse}
	if req != nil && req.Adr != nil {
		adr.Seq = req.Adr.Seq
		adr.Src = req.Adr.Target
		adr.Target = req.Adr.Src
	}
	return &Envelope{Adr: adr, Response: body}, nil
}
