package ech

import (
	"fmt"

	"github.com/veilproto/ech/internal/hpke"
)

// echInfo builds the HPKE "info" parameter for an ECH exchange: the fixed
// label "tls ech" followed by a zero byte and the verbatim wire encoding
// of the ECHConfig in use, per spec §4.4 and draft-ietf-tls-esni §6.
func echInfo(configEncoding []byte) []byte {
	info := make([]byte, 0, 8+len(configEncoding))
	info = append(info, "tls ech\x00"...)
	info = append(info, configEncoding...)
	return info
}

// echAAD reconstructs the ClientHelloOuterAAD value for h: the
// ClientHelloOuter body (record and handshake headers stripped) with the
// encrypted_client_hello extension's payload zeroed out in place, per
// draft-ietf-tls-esni §5.1.
// h must already carry its final-length ECH extension (real or
// placeholder; only the length needs to be final).
func echAAD(h *clientHello) ([]byte, error) {
	if h.OuterECH() == nil {
		return nil, fmt.Errorf("%w: ClientHelloOuter has no encrypted_client_hello extension", ErrBadExtension)
	}
	return h.marshalAAD()
}

// SetupClientSender runs the KEM encapsulation step of an HPKE Base-mode
// seal against cfg's public key, returning the encapsulated key share
// ("enc") and a Sender for sealing EncodedClientHelloInner.
// This must happen before the ECH extension's final length is known to
// the caller, since enc itself is part of the AAD.
func SetupClientSender(cfg *ECHConfig, kdfID, aeadID uint16) (enc []byte, sender *hpke.Sender, err error) {
	enc, sender, err = hpke.SetupSender(cfg.KEM, kdfID, aeadID, cfg.PublicKey, echInfo(cfg.Encoding()))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHPKEFailure, err)
	}
	return enc, sender, nil
}

// SealInner seals encodedInner under the AAD reconstructed from outer,
// which must already carry its final-length (placeholder or real) ECH
// extension.
func SealInner(sender *hpke.Sender, outer *clientHello, encodedInner []byte) ([]byte, error) {
	aad, err := echAAD(outer)
	if err != nil {
		return nil, err
	}
	ct, err := sender.Seal(aad, encodedInner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHPKEFailure, err)
	}
	return ct, nil
}

// OpenInner completes the KEM decapsulation of enc against priv and opens
// payload under the AAD reconstructed from outer.
func OpenInner(cfg *ECHConfig, priv []byte, kdfID, aeadID uint16, enc []byte, outer *clientHello, payload []byte) ([]byte, error) {
	receiver, err := hpke.SetupReceiver(cfg.KEM, kdfID, aeadID, priv, echInfo(cfg.Encoding()), enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHPKEFailure, err)
	}
	aad, err := echAAD(outer)
	if err != nil {
		return nil, err
	}
	pt, err := receiver.Open(aad, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHPKEFailure, err)
	}
	return pt, nil
}
