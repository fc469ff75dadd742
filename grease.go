package ech

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/cryptobyte"

	"github.com/veilproto/ech/internal/hpke"
)

// DefaultGreasePayloadLen is OpenSSL's fallback GREASE ciphertext length
// (467 bytes) used when the caller holds no real ECHConfigList to size
// against.
const DefaultGreasePayloadLen = 0x1d3

type greaseParams struct {
	rand                 io.Reader
	kemID, kdfID, aeadID uint16
	payloadLen           int
}

// GreaseOption configures GenerateGrease.
type GreaseOption func(*greaseParams)

// WithGreaseRand overrides the randomness source, for deterministic tests.
func WithGreaseRand(r io.Reader) GreaseOption {
	return func(p *greaseParams) { p.rand = r }
}

// WithGreaseSuite overrides the advertised (kem, kdf, aead) triple.
func WithGreaseSuite(kemID, kdfID, aeadID uint16) GreaseOption {
	return func(p *greaseParams) { p.kemID, p.kdfID, p.aeadID = kemID, kdfID, aeadID }
}

// WithGreasePayloadLenFromConfigList sizes the fake payload to match the
// largest real ciphertext this client's held ECHConfigList could produce
// for a typically-sized inner hello, so an observer cannot distinguish
// "GREASE, no applicable config" from "has a config, picked the wrong
// one" by ciphertext length alone (SPEC_FULL.md §4, mirroring ssl/ech.c's
// GREASE payload sizing against a held real config).
func WithGreasePayloadLenFromConfigList(list *ECHConfigList, typicalInnerLen int) GreaseOption {
	return func(p *greaseParams) {
		best := 0
		for _, cfg := range list.Configs {
			for _, cs := range cfg.CipherSuites {
				n, err := hpke.AEADTagOverhead(cs.AEAD)
				if err != nil {
					continue
				}
				if l := typicalInnerLen + n; l > best {
					best = l
				}
			}
		}
		if best > 0 {
			p.payloadLen = best
		}
	}
}

// GenerateGrease builds a plausible outer-type encrypted_client_hello
// extension body for a client that holds no applicable ECHConfig, per spec
// §4.8. Its config_id, enc, and payload are random bytes of the lengths a
// real exchange would use, indistinguishable on the wire.
func GenerateGrease(opts ...GreaseOption) ([]byte, error) {
	p := &greaseParams{
		rand:       rand.Reader,
		kemID:      hpke.DHKEM_X25519_HKDF_SHA256,
		kdfID:      hpke.KDF_HKDF_SHA256,
		aeadID:     hpke.AEAD_AES128GCM,
		payloadLen: DefaultGreasePayloadLen,
	}
	for _, opt := range opts {
		opt(p)
	}

	encLen, err := hpke.EncLen(p.kemID)
	if err != nil {
		return nil, err
	}
	var configID [1]byte
	if _, err := io.ReadFull(p.rand, configID[:]); err != nil {
		return nil, err
	}
	enc := make([]byte, encLen)
	if _, err := io.ReadFull(p.rand, enc); err != nil {
		return nil, err
	}
	payload := make([]byte, p.payloadLen)
	if _, err := io.ReadFull(p.rand, payload); err != nil {
		return nil, err
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0) // ECHClientHelloType.outer
	b.AddUint16(p.kdfID)
	b.AddUint16(p.aeadID)
	b.AddUint8(configID[0])
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(enc) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(payload) })
	return b.Bytes()
}
