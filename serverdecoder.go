package ech

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/cryptobyte"
)

// Policy configures a ServerDecoder's trial-decryption and retry-config
// behavior; see SPEC_FULL.md §2 "Configuration".
type Policy struct {
	// TrialDecrypt, when no held key's config_id matches the client's or
	// the first matching key does not open the payload, falls back to
	// trying every held key regardless of config_id, mirroring
	// ssl/ech.c's multi-key trial decryption.
	TrialDecrypt bool
	// OfferRetryConfigs includes the KeyStore's current ECHConfigList in
	// the session's RetryConfigs whenever no key decrypts successfully.
	OfferRetryConfigs bool
}

// ServerDecoderOption configures a ServerDecoder constructed by
// NewServerDecoder.
type ServerDecoderOption func(*ServerDecoder)

// WithServerDecoderDebug enables debug tracing on a ServerDecoder.
func WithServerDecoderDebug(f func(format string, arg ...any)) ServerDecoderOption {
	return func(d *ServerDecoder) { d.debugf = f }
}

// ServerDecoder implements the Server Decoder (spec §4.6): given a
// ClientHelloOuter, it resolves the encrypted_client_hello extension
// against a KeyStore and reports the outcome as an EchSession.
type ServerDecoder struct {
	keys   *KeyStore
	policy Policy
	debugf func(string, ...any)
}

// NewServerDecoder returns a ServerDecoder drawing keys from keys.
func NewServerDecoder(keys *KeyStore, policy Policy, opts ...ServerDecoderOption) *ServerDecoder {
	d := &ServerDecoder{keys: keys, policy: policy}
	for _, opt := range opts {
		opt(d)
	}
	if d.debugf == nil {
		d.debugf = func(string, ...any) {}
	}
	return d
}

// Decode parses record as a Handshake-wrapped ClientHello and resolves its
// ECH extension, if any, against d's KeyStore. A malformed outer
// ClientHello, or a structurally invalid inner one once decrypted, is
// returned as an error; a client that simply isn't doing ECH, or whose
// ciphertext does not decrypt under any held key, is reported as a
// GREASE-state EchSession rather than an error, per the indistinguishability
// requirement in spec §4.6/§4.8.
func (d *ServerDecoder) Decode(record []byte) (*EchSession, error) {
	if len(record) < 6 || record[0] != 22 {
		return nil, fmt.Errorf("%w: not a Handshake record", ErrUnexpectedMessage)
	}
	outer, err := parseClientHello(record[5:])
	if err != nil {
		return nil, err
	}
	if outer.HasOuterExtensionsMarker() {
		return nil, fmt.Errorf("%w: ClientHelloOuter has ech_outer_extensions", ErrIllegalParameter)
	}

	sess := NewSession()
	if !outer.IsTLS13() || outer.OuterECH() == nil {
		sess.TransitionGrease(outer, nil)
		return sess, nil
	}
	sess.TransitionAttempted(outer)

	inner, err := d.decrypt(outer)
	switch {
	case err == nil:
		d.debugf("ServerDecoder: accepted ECH for %q\n", inner.ServerName)
		sess.TransitionSuccess(outer, inner)
	case errors.Is(err, ErrNoMatch):
		d.debugf("ServerDecoder: no key decrypted the offer, falling back to outer\n")
		var retry []byte
		if d.policy.OfferRetryConfigs && d.keys != nil {
			retry, _ = d.keys.CurrentConfigList()
		}
		sess.TransitionGrease(outer, retry)
	default:
		return nil, err
	}
	return sess, nil
}

func (d *ServerDecoder) decrypt(outer *clientHello) (*clientHello, error) {
	if d.keys == nil || d.keys.Count() == 0 {
		return nil, ErrNoMatch
	}
	ext := outer.OuterECH()
	// The first config_id-matched key is tried first. Per spec §4.6 step 6, a
	// match whose Open() fails still falls through to trial decryption
	// against every held key when the policy allows it — config_id is an
	// unauthenticated hint, not proof the matching key is the right one.
	// An inner hello that decrypts but does not decode is returned as an
	// error rather than treated as a failed match.
	if matches := d.keys.ByConfigID(ext.ConfigID); len(matches) > 0 {
		if inner, err := d.tryKeys(outer, ext, matches[:1]); !errors.Is(err, ErrNoMatch) {
			return inner, err
		}
	}
	if d.policy.TrialDecrypt {
		if inner, err := d.tryKeys(outer, ext, d.keys.All()); !errors.Is(err, ErrNoMatch) {
			return inner, err
		}
	}
	return nil, ErrNoMatch
}

func (d *ServerDecoder) tryKeys(outer *clientHello, ext *echExt, candidates []StoredKey) (*clientHello, error) {
	for _, k := range candidates {
		if !k.Config.Supports(ext.CipherSuite.KDF, ext.CipherSuite.AEAD) {
			continue
		}
		pt, err := OpenInner(&k.Config, k.PrivateKey, ext.CipherSuite.KDF, ext.CipherSuite.AEAD, ext.Enc, outer, ext.Payload)
		if err != nil {
			continue
		}
		return decodeInnerHello(pt, outer)
	}
	return nil, ErrNoMatch
}

// decodeInnerHello wraps decrypted EncodedClientHelloInner bytes back into
// a Handshake ClientHello message, resolves its outer_extensions
// compression against outer, and re-parses to refresh the extension-
// derived fields (ServerName, ALPNProtos, ...).
func decodeInnerHello(pt []byte, outer *clientHello) (*clientHello, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x01) // msg_type: ClientHello
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(pt)
	})
	msg, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	inner, err := parseClientHello(msg)
	if err != nil {
		return nil, err
	}
	if !inner.IsECHInner() {
		return nil, fmt.Errorf("%w: encrypted_client_hello missing in decrypted inner", ErrBadExtension)
	}
	inner.LegacySessionID = outer.LegacySessionID

	if err := DecompressInner(inner, outer); err != nil {
		return nil, err
	}
	m, err := inner.Marshal()
	if err != nil {
		return nil, err
	}
	return parseClientHello(m[5:])
}

// CheckRetryConsistency validates that a retried ClientHello, sent after a
// HelloRetryRequest, re-offers the same SNI and ALPN values as prev (the
// inner ClientHello accepted, or the outer one if ECH was not accepted, on
// the first ClientHello), per SPEC_FULL.md §4 "HelloRetryRequest
// re-offer".
func CheckRetryConsistency(prev, retried *clientHello) error {
	if prev.ServerName != retried.ServerName || !slices.Equal(prev.ALPNProtos, retried.ALPNProtos) {
		return fmt.Errorf("%w: retried ClientHello does not match first offer", ErrBadExtension)
	}
	return nil
}
