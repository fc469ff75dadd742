package ech

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// echAcceptConfirmationLabel is the fixed HKDF-Expand-Label used by the
// accept-confirmation signal, per spec §4.7.
const echAcceptConfirmationLabel = "ech accept confirmation"

// hkdfExpandLabel implements RFC 8446's HKDF-Expand-Label over SHA-256.
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 " + label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	info, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// serverHelloRandomOffset/Length locate ServerHello.random within its
// Handshake-wrapped wire encoding: msg_type(1) + length(3) +
// legacy_version(2) precede it.
const (
	serverHelloRandomOffset = 6
	serverHelloRandomLength = 32
	acceptConfirmationLen   = 8
)

// ComputeAcceptConfirmation computes the 8-byte ECH accept-confirmation
// signal for a full (non-HelloRetryRequest) handshake: a SHA-256 hash of
// ClientHelloInner followed by ServerHello with the low 8 bytes of its
// random zeroed, expanded under the fixed IETF label keyed by
// handshakeSecret (spec §4.7 step 2). handshakeSecret is the TLS 1.3
// handshake secret for this connection, supplied by the caller's key
// schedule; this package never derives it.
func ComputeAcceptConfirmation(handshakeSecret, innerClientHelloMsg, serverHelloMsg []byte) ([]byte, error) {
	transcript, err := zeroedServerHelloTranscript(innerClientHelloMsg, serverHelloMsg)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(transcript)
	return hkdfExpandLabel(handshakeSecret, echAcceptConfirmationLabel, h[:], acceptConfirmationLen)
}

func zeroedServerHelloTranscript(innerClientHelloMsg, serverHelloMsg []byte) ([]byte, error) {
	if len(serverHelloMsg) < serverHelloRandomOffset+serverHelloRandomLength {
		return nil, fmt.Errorf("%w: ServerHello too short", ErrDecodeError)
	}
	sh := append([]byte(nil), serverHelloMsg...)
	zeroFrom := serverHelloRandomOffset + serverHelloRandomLength - acceptConfirmationLen
	zeroTo := serverHelloRandomOffset + serverHelloRandomLength
	for i := zeroFrom; i < zeroTo; i++ {
		sh[i] = 0
	}
	transcript := make([]byte, 0, len(innerClientHelloMsg)+len(sh))
	transcript = append(transcript, innerClientHelloMsg...)
	transcript = append(transcript, sh...)
	return transcript, nil
}

// VerifyAcceptConfirmation reports whether serverHelloMsg's random carries
// the accept-confirmation signal for innerClientHelloMsg under
// handshakeSecret.
func VerifyAcceptConfirmation(handshakeSecret, innerClientHelloMsg, serverHelloMsg []byte) (bool, error) {
	want, err := ComputeAcceptConfirmation(handshakeSecret, innerClientHelloMsg, serverHelloMsg)
	if err != nil {
		return false, err
	}
	if len(serverHelloMsg) < serverHelloRandomOffset+serverHelloRandomLength {
		return false, fmt.Errorf("%w: ServerHello too short", ErrDecodeError)
	}
	got := serverHelloMsg[serverHelloRandomOffset+serverHelloRandomLength-acceptConfirmationLen : serverHelloRandomOffset+serverHelloRandomLength]
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// ApplyAcceptConfirmation overwrites the low 8 bytes of serverHelloMsg's
// random in place with the accept-confirmation signal, for the server
// side to call before writing ServerHello to the wire.
func ApplyAcceptConfirmation(handshakeSecret, innerClientHelloMsg, serverHelloMsg []byte) error {
	sig, err := ComputeAcceptConfirmation(handshakeSecret, innerClientHelloMsg, serverHelloMsg)
	if err != nil {
		return err
	}
	if len(serverHelloMsg) < serverHelloRandomOffset+serverHelloRandomLength {
		return fmt.Errorf("%w: ServerHello too short", ErrDecodeError)
	}
	copy(serverHelloMsg[serverHelloRandomOffset+serverHelloRandomLength-acceptConfirmationLen:serverHelloRandomOffset+serverHelloRandomLength], sig)
	return nil
}
