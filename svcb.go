package ech

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// svcParamKeyECH is the SvcParamKey assigned to the "ech" parameter carried
// on SVCB/HTTPS resource records (RFC 9460 §11.1 registry, value 5).
const svcParamKeyECH = 5

// ExtractSVCBECH walks the SvcParam list of a raw SVCB/HTTPS RR's RDATA,
// per spec §4.1's "SVCB extractor": skip the 2-byte SvcPriority, skip the
// uncompressed DNS TargetName, then scan (SvcParamKey, SvcParamValue)
// pairs for key 5. Absence of an "ech" SvcParam is success, not an error:
// it reports (nil, false, nil).
func ExtractSVCBECH(rdata []byte) ([]byte, bool, error) {
	s := cryptobyte.String(rdata)
	var priority uint16
	if !s.ReadUint16(&priority) {
		return nil, false, fmt.Errorf("%w: SVCB SvcPriority", ErrMalformedConfig)
	}
	if err := skipDNSName(&s); err != nil {
		return nil, false, err
	}
	for !s.Empty() {
		var key uint16
		var value cryptobyte.String
		if !s.ReadUint16(&key) || !s.ReadUint16LengthPrefixed(&value) {
			return nil, false, fmt.Errorf("%w: SVCB SvcParam", ErrMalformedConfig)
		}
		if key == svcParamKeyECH {
			return []byte(value), true, nil
		}
	}
	return nil, false, nil
}

// skipDNSName advances past a TargetName encoded as a sequence of length-
// prefixed labels terminated by a zero-length root label. RFC 9460 forbids
// name compression in SVCB RDATA, so a compression pointer here is a
// protocol violation rather than something to follow.
func skipDNSName(s *cryptobyte.String) error {
	for {
		if s.Empty() {
			return fmt.Errorf("%w: truncated SVCB TargetName", ErrMalformedConfig)
		}
		if (*s)[0]&0xc0 == 0xc0 {
			return fmt.Errorf("%w: SVCB TargetName must not use name compression", ErrMalformedConfig)
		}
		var label cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&label) {
			return fmt.Errorf("%w: SVCB TargetName label", ErrMalformedConfig)
		}
		if len(label) == 0 {
			return nil
		}
	}
}

// DecodeSVCBECHConfigList extracts the "ech" SvcParam from rdata, if any,
// and parses it as an ECHConfigList. It returns (nil, nil, nil) when rdata
// carries no "ech" SvcParam at all.
func DecodeSVCBECHConfigList(rdata []byte) (*ECHConfigList, []byte, error) {
	value, ok, err := ExtractSVCBECH(rdata)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	return ParseConfigList(value)
}
