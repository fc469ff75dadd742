package ech

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// paddingExtensionType is RFC 7685's "padding" extension (already named in
// tls.go's extensionNames map). The Inner Encoder reuses it, zero-filled,
// to pad EncodedClientHelloInner by a maximum_name_length-derived amount
// (see paddingLength) before it is sealed (SPEC_FULL.md §4, draft-ietf-tls-esni
// §6.1.3) — independent length-hiding from the real SNI length.
const paddingExtensionType = 21

// CompressInner builds the wire bytes of EncodedClientHelloInner from a
// fully-formed logical ClientHelloInner, replacing every extension whose
// type appears in compress with a single ech_outer_extensions extension at
// the position of the first one removed, per draft-ietf-tls-esni §6.1.2.
// It appends the inner-type encrypted_client_hello marker and a padding
// extension sized from maximumNameLength, then serializes the result with
// an empty legacy_session_id, as EncodedClientHelloInner requires.
func CompressInner(inner *clientHello, compress []uint16, maximumNameLength uint16) ([]byte, error) {
	wanted := make(map[uint16]bool, len(compress))
	for _, t := range compress {
		wanted[t] = true
	}

	var (
		newExt          []extension
		compressedTypes []uint16
		placeholder     = -1
	)
	for _, ext := range inner.Extensions {
		if ext.Type == 0xfe0d {
			return nil, fmt.Errorf("%w: inner hello must not already carry encrypted_client_hello", ErrBadExtension)
		}
		if !wanted[ext.Type] {
			newExt = append(newExt, ext)
			continue
		}
		compressedTypes = append(compressedTypes, ext.Type)
		if placeholder < 0 {
			placeholder = len(newExt)
			newExt = append(newExt, extension{Type: 0xfd00})
		}
	}
	if placeholder >= 0 {
		b := cryptobyte.NewBuilder(nil)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, t := range compressedTypes {
				b.AddUint16(t)
			}
		})
		data, err := b.Bytes()
		if err != nil {
			return nil, err
		}
		newExt[placeholder].Data = data
	}

	// The inner-type ECHClientHello marker: type=inner(1), empty body.
	newExt = append(newExt, extension{Type: 0xfe0d, Data: []byte{1}})
	newExt = appendPadding(newExt, inner, maximumNameLength)

	c := &clientHello{
		LegacyVersion:            inner.LegacyVersion,
		Random:                   inner.Random,
		LegacySessionID:          nil,
		CipherSuite:              inner.CipherSuite,
		LegacyCompressionMethods: inner.LegacyCompressionMethods,
		Extensions:               newExt,
	}
	m, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	return m[9:], nil
}

func appendPadding(exts []extension, inner *clientHello, maximumNameLength uint16) []extension {
	if maximumNameLength == 0 {
		return exts
	}
	current := 0
	for _, e := range exts {
		current += 4 + len(e.Data)
	}
	n := paddingLength(current, maximumNameLength, inner.ServerName)
	if n == 0 {
		return exts
	}
	return append(exts, extension{Type: paddingExtensionType, Data: make([]byte, n)})
}

// paddingLength computes how many zero bytes n to add to an extensions
// block of the given encoded size so that current+n is a multiple of 32
// at or above a maximumNameLength-derived target. The 4-byte header of
// the padding extension that carries those bytes is not counted, so the
// padded block itself ends 4 bytes past that multiple. A
// present server name pads to the gap between its length and
// maximumNameLength; an absent one (e.g. a GREASE-style placeholder with
// no SNI at all) pads to maximumNameLength plus a small fixed margin, per
// draft-ietf-tls-esni §6.1.3.
func paddingLength(current int, maximumNameLength uint16, serverName string) int {
	target := current
	if serverName != "" {
		if d := int(maximumNameLength) - len(serverName); d > 0 {
			target = current + d
		}
	} else {
		target = current + int(maximumNameLength) + 9
	}
	if r := target % 32; r != 0 {
		target += 32 - r
	}
	if target < current {
		target = current
	}
	return target - current
}

// DecompressInner resolves inner's ech_outer_extensions extension (if
// any) against outer's extension list, replacing it in place with the
// outer extensions it references, per draft-ietf-tls-esni §6.1.4. It is
// an error for the referenced extensions not to appear in outer in the
// requested order, or for ech_outer_extensions to reference
// encrypted_client_hello itself.
func DecompressInner(inner, outer *clientHello) error {
	var eoeSeen bool
	var newExt []extension
	for _, ext := range inner.Extensions {
		if ext.Type != 0xfd00 {
			newExt = append(newExt, ext)
			continue
		}
		if eoeSeen {
			return fmt.Errorf("%w: ech_outer_extensions appears more than once", ErrIllegalParameter)
		}
		eoeSeen = true

		s := cryptobyte.String(ext.Data)
		var want cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&want) {
			return ErrDecodeError
		}
		outerPos := 0
		for !want.Empty() {
			var extType uint16
			if !want.ReadUint16(&extType) {
				return ErrDecodeError
			}
			if extType == 0xfe0d {
				return fmt.Errorf("%w: ech_outer_extensions references 0x%x", ErrIllegalParameter, extType)
			}
			found := false
			for outerPos < len(outer.Extensions) {
				p := outerPos
				outerPos++
				if outer.Extensions[p].Type != extType {
					continue
				}
				newExt = append(newExt, outer.Extensions[p])
				found = true
				break
			}
			if !found {
				return fmt.Errorf("%w: ech_outer_extensions references 0x%x, not found in outer", ErrIllegalParameter, extType)
			}
		}
	}
	inner.Extensions = newExt
	return nil
}
