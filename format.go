package ech

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Format identifies the wire transport DecodeConfigLists recognized in its
// input, per spec §4.1 "Format guesser".
type Format int

const (
	FormatUnknown Format = iota
	FormatBinary
	FormatASCIIHex
	FormatBase64
	FormatHTTPSSVC
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatASCIIHex:
		return "ascii-hex"
	case FormatBase64:
		return "base64"
	case FormatHTTPSSVC:
		return "https-svc"
	default:
		return "unknown"
	}
}

// GuessFormat classifies raw per spec §4.1: HTTPS/SVCB presentation text if
// an "ech=" marker appears, else ASCII-hex if every byte is a hex digit or
// ';', else base64 if every byte is in the base64 alphabet plus ';' and
// '=', else binary.
func GuessFormat(raw []byte) Format {
	if bytes.Contains(raw, []byte("ech=")) {
		return FormatHTTPSSVC
	}
	if isASCIIHexText(raw) {
		return FormatASCIIHex
	}
	if isBase64Text(raw) {
		return FormatBase64
	}
	return FormatBinary
}

func isASCIIHexText(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	for _, b := range raw {
		switch {
		case b >= '0' && b <= '9', b >= 'a' && b <= 'f', b >= 'A' && b <= 'F', b == ';':
		default:
			return false
		}
	}
	return true
}

func isBase64Text(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	for _, b := range raw {
		switch {
		case b >= '0' && b <= '9', b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b == '+', b == '/', b == ';', b == '=':
		default:
			return false
		}
	}
	return true
}

// DecodeConfigLists decodes raw using the format GuessFormat selects. The
// ASCII-hex and base64 transports may carry a ';'-separated sequence of
// independently-decoded values, and each decoded value may itself contain
// more than one ECHConfigList back to back; the result is the full
// sequence recovered from raw.
func DecodeConfigLists(raw []byte) ([]*ECHConfigList, error) {
	switch GuessFormat(raw) {
	case FormatHTTPSSVC:
		return decodeHTTPSSVCText(raw)
	case FormatASCIIHex:
		return decodeMultiValue(raw, decodeASCIIHexValue)
	case FormatBase64:
		return decodeMultiValue(raw, decodeBase64Value)
	default:
		return decodeAllConfigLists(raw)
	}
}

func decodeMultiValue(raw []byte, decodeValue func([]byte) ([]byte, error)) ([]*ECHConfigList, error) {
	var all []*ECHConfigList
	for _, v := range bytes.Split(raw, []byte(";")) {
		if len(v) == 0 {
			continue
		}
		bin, err := decodeValue(v)
		if err != nil {
			return nil, err
		}
		lists, err := decodeAllConfigLists(bin)
		if err != nil {
			return nil, err
		}
		all = append(all, lists...)
	}
	return all, nil
}

func decodeASCIIHexValue(v []byte) ([]byte, error) {
	bin, err := hex.DecodeString(string(v))
	if err != nil {
		return nil, fmt.Errorf("%w: ascii-hex: %v", ErrMalformedConfig, err)
	}
	return bin, nil
}

func decodeBase64Value(v []byte) ([]byte, error) {
	bin, err := base64.StdEncoding.DecodeString(string(v))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedConfig, err)
	}
	return bin, nil
}

func decodeAllConfigLists(bin []byte) ([]*ECHConfigList, error) {
	var lists []*ECHConfigList
	for len(bin) > 0 {
		list, leftover, err := ParseConfigList(bin)
		if err != nil {
			return nil, err
		}
		lists = append(lists, list)
		bin = leftover
	}
	return lists, nil
}

// decodeHTTPSSVCText extracts the base64 value of an "ech=" SvcParam from
// an HTTPS/SVCB presentation-format line and decodes it as a sequence of
// ECHConfigLists.
func decodeHTTPSSVCText(raw []byte) ([]*ECHConfigList, error) {
	idx := bytes.Index(raw, []byte("ech="))
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing ech= SvcParam", ErrMalformedConfig)
	}
	value := raw[idx+len("ech="):]
	if end := bytes.IndexAny(value, " \t\r\n"); end >= 0 {
		value = value[:end]
	}
	value = bytes.Trim(value, `"`)
	bin, err := base64.StdEncoding.DecodeString(string(value))
	if err != nil {
		return nil, fmt.Errorf("%w: ech= value: %v", ErrMalformedConfig, err)
	}
	return decodeAllConfigLists(bin)
}
