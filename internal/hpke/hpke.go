// Package hpke is the thin HPKE collaborator the ECH core calls out to for
// KEM key generation and Base-mode seal/open. It does not implement any HPKE
// primitive itself; it adapts github.com/cloudflare/circl/hpke to the
// (kem_id, kdf_id, aead_id) codepoints carried on the wire by ECHConfig and
// the encrypted_client_hello extension.
package hpke

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

// RFC 9180 / ECH codepoints this package resolves to a circl algorithm.
const (
	DHKEM_X25519_HKDF_SHA256 = uint16(hpke.KEM_X25519_HKDF_SHA256)
	DHKEM_P256_HKDF_SHA256   = uint16(hpke.KEM_P256_HKDF_SHA256)
	DHKEM_P384_HKDF_SHA384   = uint16(hpke.KEM_P384_HKDF_SHA384)
	DHKEM_P521_HKDF_SHA512   = uint16(hpke.KEM_P521_HKDF_SHA512)

	KDF_HKDF_SHA256 = uint16(hpke.KDF_HKDF_SHA256)
	KDF_HKDF_SHA384 = uint16(hpke.KDF_HKDF_SHA384)
	KDF_HKDF_SHA512 = uint16(hpke.KDF_HKDF_SHA512)

	AEAD_AES128GCM        = uint16(hpke.AEAD_AES128GCM)
	AEAD_AES256GCM        = uint16(hpke.AEAD_AES256GCM)
	AEAD_ChaCha20Poly1305 = uint16(hpke.AEAD_ChaCha20Poly1305)
)

func kemOf(kemID uint16) (hpke.KEM, error) {
	k := hpke.KEM(kemID)
	if !k.IsValid() {
		return 0, fmt.Errorf("hpke: kem 0x%04x not supported", kemID)
	}
	return k, nil
}

func suiteOf(kemID, kdfID, aeadID uint16) (hpke.Suite, error) {
	k, err := kemOf(kemID)
	if err != nil {
		return hpke.Suite{}, err
	}
	kd := hpke.KDF(kdfID)
	if !kd.IsValid() {
		return hpke.Suite{}, fmt.Errorf("hpke: kdf 0x%04x not supported", kdfID)
	}
	a := hpke.AEAD(aeadID)
	if !a.IsValid() {
		return hpke.Suite{}, fmt.Errorf("hpke: aead 0x%04x not supported", aeadID)
	}
	return hpke.NewSuite(k, kd, a), nil
}

// IsSupported reports whether (kemID, kdfID, aeadID) names algorithms this
// collaborator can execute.
func IsSupported(kemID, kdfID, aeadID uint16) bool {
	_, err := suiteOf(kemID, kdfID, aeadID)
	return err == nil
}

// PublicKeyLen returns the encoded length of a kemID public key, used by the
// GREASE Producer to size a plausible fake "enc" value without running the
// KEM.
func PublicKeyLen(kemID uint16) (int, error) {
	k, err := kemOf(kemID)
	if err != nil {
		return 0, err
	}
	return k.Scheme().PublicKeySize(), nil
}

// EncLen returns the length of the HPKE encapsulated key share ("enc") a
// Sender targeting kemID will produce. For the DHKEM schemes this core
// supports, that length equals the public key length.
func EncLen(kemID uint16) (int, error) {
	return PublicKeyLen(kemID)
}

// AEADTagOverhead returns the ciphertext expansion (tag length) of aeadID;
// all three AEADs this collaborator supports use a 16-byte tag, so the
// Client Assembler can size the ECH extension's payload field before
// running Seal.
func AEADTagOverhead(aeadID uint16) (int, error) {
	a := hpke.AEAD(aeadID)
	if !a.IsValid() {
		return 0, fmt.Errorf("hpke: aead 0x%04x not supported", aeadID)
	}
	return 16, nil
}

// GenerateKeyPair generates an ephemeral KEM key pair for kemID and returns
// the serialized public and private keys.
func GenerateKeyPair(kemID uint16) (pub, priv []byte, err error) {
	k, err := kemOf(kemID)
	if err != nil {
		return nil, nil, err
	}
	pk, sk, err := k.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: key generation: %w", err)
	}
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// ParsePublicKey deserializes a kemID public key.
func ParsePublicKey(kemID uint16, raw []byte) (kem.PublicKey, error) {
	k, err := kemOf(kemID)
	if err != nil {
		return nil, err
	}
	pk, err := k.Scheme().UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("hpke: invalid public key: %w", err)
	}
	return pk, nil
}

// ParsePrivateKey deserializes a kemID private key.
func ParsePrivateKey(kemID uint16, raw []byte) (kem.PrivateKey, error) {
	k, err := kemOf(kemID)
	if err != nil {
		return nil, err
	}
	sk, err := k.Scheme().UnmarshalBinaryPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("hpke: invalid private key: %w", err)
	}
	return sk, nil
}

// Sender is a one-shot HPKE Base-mode sealing context, bound to a single
// (info, recipient public key) pair.
type Sender struct {
	sealer hpke.Sealer
}

// SetupSender runs the KEM encapsulation against pub and returns the
// encapsulated key share (enc) together with a Sender that seals messages
// under info and a per-message aad.
func SetupSender(kemID, kdfID, aeadID uint16, pub []byte, info []byte) (enc []byte, s *Sender, err error) {
	suite, err := suiteOf(kemID, kdfID, aeadID)
	if err != nil {
		return nil, nil, err
	}
	pk, err := ParsePublicKey(kemID, pub)
	if err != nil {
		return nil, nil, err
	}
	sender, err := suite.NewSender(pk, info)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: new sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke: sender setup: %w", err)
	}
	return enc, &Sender{sealer}, nil
}

// Seal encrypts pt under aad. Each further call on the same Sender uses the
// next HPKE sequence number, so a receiver must open the messages in order.
func (s *Sender) Seal(aad, pt []byte) ([]byte, error) {
	ct, err := s.sealer.Seal(pt, aad)
	if err != nil {
		return nil, fmt.Errorf("hpke: seal: %w", err)
	}
	return ct, nil
}

// Receiver is a one-shot HPKE Base-mode opening context, bound to a single
// (info, recipient private key, enc) triple.
type Receiver struct {
	opener hpke.Opener
}

// SetupReceiver completes the KEM decapsulation of enc using priv and
// returns a Receiver that can open exactly one message under (info, aad).
func SetupReceiver(kemID, kdfID, aeadID uint16, priv []byte, info, enc []byte) (*Receiver, error) {
	suite, err := suiteOf(kemID, kdfID, aeadID)
	if err != nil {
		return nil, err
	}
	sk, err := ParsePrivateKey(kemID, priv)
	if err != nil {
		return nil, err
	}
	receiver, err := suite.NewReceiver(sk, info)
	if err != nil {
		return nil, fmt.Errorf("hpke: new receiver: %w", err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, fmt.Errorf("hpke: receiver setup: %w", err)
	}
	return &Receiver{opener}, nil
}

// Open decrypts ct, authenticated under aad. It must be called at most once
// per Receiver.
func (r *Receiver) Open(aad, ct []byte) ([]byte, error) {
	pt, err := r.opener.Open(ct, aad)
	if err != nil {
		return nil, fmt.Errorf("hpke: open: %w", err)
	}
	return pt, nil
}
