package ech

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/veilproto/ech/internal/hpke"
)

// OuterNamePolicy controls what server_name (if any) the Client Assembler
// puts on ClientHelloOuter, per SPEC_FULL.md §2 "Configuration".
type OuterNamePolicy int

const (
	// UsePublicName sets the outer server_name to the selected
	// ECHConfig's public_name. This is the common case.
	UsePublicName OuterNamePolicy = iota
	// UseOverride sets the outer server_name to a caller-supplied value,
	// for deployments that front more than one public name.
	UseOverride
	// SuppressOuterName omits server_name from ClientHelloOuter entirely.
	SuppressOuterName
)

// DefaultCompressedExtensions lists the extension types this core
// compresses away by default: ones that are virtually always byte-
// identical between ClientHelloInner and ClientHelloOuter, mirroring the
// compression set OpenSSL's ssl/ech.c applies.
var DefaultCompressedExtensions = []uint16{43, 10, 13, 51, 16}

type assembleParams struct {
	compress          []uint16
	outerPolicy       OuterNamePolicy
	outerNameOverride string
}

// ClientAssemblerOption configures Assemble.
type ClientAssemblerOption func(*assembleParams)

// WithCompressedExtensions overrides the set of extension types the Inner
// Encoder compresses away, in place of DefaultCompressedExtensions.
func WithCompressedExtensions(types []uint16) ClientAssemblerOption {
	return func(p *assembleParams) { p.compress = types }
}

// WithOuterNamePolicy selects what server_name Assemble puts on
// ClientHelloOuter. override is only used with UseOverride.
func WithOuterNamePolicy(policy OuterNamePolicy, override string) ClientAssemblerOption {
	return func(p *assembleParams) { p.outerPolicy, p.outerNameOverride = policy, override }
}

// Assemble runs the Client Assembler (spec §4.5): it selects a usable
// ECHConfig from list, builds EncodedClientHelloInner from inner, seals
// it, and splices the resulting encrypted_client_hello extension into
// outer. inner and outer must already carry every extension except the
// ECH one itself and must both already be marked TLS 1.3; Assemble
// appends the ECH extension to outer.Extensions and sets outer.echExt.
func Assemble(list *ECHConfigList, inner, outer *clientHello, opts ...ClientAssemblerOption) error {
	if !outer.IsTLS13() || !inner.IsTLS13() {
		return fmt.Errorf("%w: both ClientHellos must offer TLS 1.3", ErrIllegalParameter)
	}
	p := &assembleParams{compress: DefaultCompressedExtensions, outerPolicy: UsePublicName}
	for _, opt := range opts {
		opt(p)
	}

	cfg, kdfID, aeadID, err := selectConfig(list)
	if err != nil {
		return err
	}

	switch p.outerPolicy {
	case UsePublicName:
		setOuterServerName(outer, string(cfg.PublicName))
	case UseOverride:
		setOuterServerName(outer, p.outerNameOverride)
	case SuppressOuterName:
		removeOuterServerName(outer)
	}

	encodedInner, err := CompressInner(inner, p.compress, cfg.MaximumNameLength)
	if err != nil {
		return err
	}

	enc, sender, err := SetupClientSender(cfg, kdfID, aeadID)
	if err != nil {
		return err
	}
	tagLen, err := hpke.AEADTagOverhead(aeadID)
	if err != nil {
		return err
	}
	placeholderLen := len(encodedInner) + tagLen

	echData, payload, err := marshalECHOuterExt(kdfID, aeadID, cfg.ConfigIDOrDerived(), enc, placeholderLen)
	if err != nil {
		return err
	}
	outer.echExt = &echExt{
		Type:        0,
		CipherSuite: CipherSuite{KDF: kdfID, AEAD: aeadID},
		ConfigID:    cfg.ConfigIDOrDerived(),
		Enc:         enc,
		Payload:     payload,
	}
	outer.Extensions = append(outer.Extensions, extension{Type: 0xfe0d, Data: echData})

	ct, err := SealInner(sender, outer, encodedInner)
	if err != nil {
		return err
	}
	if len(ct) != len(payload) {
		return fmt.Errorf("%w: sealed length %d != reserved length %d", ErrHPKEFailure, len(ct), len(payload))
	}
	copy(payload, ct)
	return nil
}

// marshalECHOuterExt builds an outer-type encrypted_client_hello
// extension body with a zero-filled payload field of payloadLen bytes,
// and returns the slice of the result that holds that payload field so
// the caller can fill it in after sealing without re-marshaling.
func marshalECHOuterExt(kdfID, aeadID uint16, configID uint8, enc []byte, payloadLen int) (data, payload []byte, err error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0) // ECHClientHelloType.outer
	b.AddUint16(kdfID)
	b.AddUint16(aeadID)
	b.AddUint8(configID)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(enc) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(make([]byte, payloadLen)) })
	data, err = b.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return data, data[len(data)-payloadLen:], nil
}

// selectConfig picks the first ECHConfig in list offering an HPKE
// ciphersuite this core's collaborator supports.
func selectConfig(list *ECHConfigList) (*ECHConfig, uint16, uint16, error) {
	for i := range list.Configs {
		cfg := &list.Configs[i]
		for _, cs := range cfg.CipherSuites {
			if hpke.IsSupported(cfg.KEM, cs.KDF, cs.AEAD) {
				return cfg, cs.KDF, cs.AEAD, nil
			}
		}
	}
	return nil, 0, 0, fmt.Errorf("%w", ErrNoMatchingSuite)
}

func setOuterServerName(outer *clientHello, name string) {
	outer.ServerName = name
	outer.Extensions = replaceOrAppendExtension(outer.Extensions, 0, marshalServerNameExtension(name))
}

func removeOuterServerName(outer *clientHello) {
	outer.ServerName = ""
	outer.Extensions = removeExtensionType(outer.Extensions, 0)
}

func marshalServerNameExtension(name string) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0) // host_name
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(name)) })
	})
	data, _ := b.Bytes()
	return data
}

func replaceOrAppendExtension(exts []extension, typ uint16, data []byte) []extension {
	for i, e := range exts {
		if e.Type == typ {
			exts[i].Data = data
			return exts
		}
	}
	return append(exts, extension{Type: typ, Data: data})
}

func removeExtensionType(exts []extension, typ uint16) []extension {
	out := exts[:0:0]
	for _, e := range exts {
		if e.Type != typ {
			out = append(out, e)
		}
	}
	return out
}
