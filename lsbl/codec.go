package lsbl

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

const rootElement = "lsbl"

var (
	ErrEmptyPayload = errors.New("empty payload")
	ErrEmptyBody    = errors.New("empty body")
	ErrNoAddress    = errors.New("envelope has no address")
	ErrRootElement  = errors.New("unexpected root element")

	bom = []byte("\xef\xbb\xbf")
)

// Write serializes the envelope as a UTF-8 XML document.
func Write(e *Envelope) ([]byte, error) {
	if e == nil || e.Adr == nil {
		return nil, ErrNoAddress
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeElement(e, xml.StartElement{Name: xml.Name{Local: rootElement}}); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes an envelope. A leading byte order mark is ignored.
func Parse(p []byte) (*Envelope, error) {
	p = StripBOM(p)
	if len(bytes.TrimSpace(p)) == 0 {
		return nil, ErrEmptyPayload
	}

	d := xml.NewDecoder(bytes.NewReader(p))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil, ErrEmptyPayload
		}
		if err != nil {
			return nil, fmt.Errorf("parse envelope: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != rootElement {
			return nil, fmt.Errorf("%w: %s", ErrRootElement, start.Name.Local)
		}

		var e Envelope
		if err := d.DecodeElement(&e, &start); err != nil {
			return nil, fmt.Errorf("parse envelope: %w", err)
		}
		if e.Adr == nil {
			return nil, ErrNoAddress
		}
		return &e, nil
	}
}

// StripBOM removes a UTF-8 byte order mark from the start of p.
func StripBOM(p []byte) []byte {
	return bytes.TrimPrefix(p, bom)
}
