package service

import (
	"encoding/xml"
	"fmt"
)

// ValueSet writes one value of a device. Exactly one of Number, String and
// HexBinary should be set.
type ValueSet struct {
	ValueID   uint32   `xml:"value_id,attr"`
	Number    *float64 `xml:"number,attr,omitempty"`
	String    *string  `xml:"string,attr,omitempty"`
	HexBinary string   `xml:"hexBinary,attr,omitempty"`
}

// Number returns a numeric ValueSet.
func Number(valueID uint32, n float64) ValueSet {
	return ValueSet{ValueID: valueID, Number: &n}
}

type lsdlNetwork struct {
	XMLName xml.Name   `xml:"network"`
	Version int        `xml:"version,attr"`
	Device  lsdlDevice `xml:"device"`
}

type lsdlDevice struct {
	Version  int        `xml:"version,attr"`
	ValueSet []ValueSet `xml:"value_set"`
}

// writeValueSet renders the LsDL document carried by a value_set command.
func writeValueSet(values []ValueSet) (string, error) {
	p, err := xml.Marshal(&lsdlNetwork{
		Version: 1,
		Device:  lsdlDevice{Version: 1, ValueSet: values},
	})
	if err != nil {
		return "", fmt.Errorf("lsdl: %w", err)
	}
	return string(p), nil
}

// ParseValueSet reads the values of an LsDL value_set document.
func ParseValueSet(lsdl string) ([]ValueSet, error) {
	var n lsdlNetwork
	if err := xml.Unmarshal([]byte(lsdl), &n); err != nil {
		return nil, fmt.Errorf("lsdl: %w", err)
	}
	return n.Device.ValueSet, nil
}
