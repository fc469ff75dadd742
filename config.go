package ech

import (
	"crypto/sha256"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"

	"github.com/veilproto/ech/internal/hpke"
)

// ECH versions this core understands. draft-09 is decode-tolerant legacy
// (spec §9, "Open question"): the core parses it but never emits it.
const (
	VersionDraft09 uint16 = 0xfe09
	VersionDraft10 uint16 = 0xfe0d
)

// CipherSuite is an HPKE (kdf_id, aead_id) pair offered by an ECHConfig.
type CipherSuite struct {
	KDF  uint16
	AEAD uint16
}

// ConfigExtension is an (type, value) entry from an ECHConfig's extensions
// list. Empty values are valid.
type ConfigExtension struct {
	Type uint16
	Data []byte
}

// ECHConfig is a single parsed entry of an ECHConfigList. PublicKey,
// PublicName, and each extension's Data are views into the enclosing
// ECHConfigList's backing array; per spec §3 they remain valid exactly as
// long as that ECHConfigList does, which is also true of Encoding().
type ECHConfig struct {
	Version  uint16
	ConfigID uint8 // draft-10 only; zero on a decode-tolerant draft-09 entry

	KEM          uint16
	PublicKey    []byte
	CipherSuites []CipherSuite

	MaximumNameLength uint16
	PublicName        []byte
	Extensions        []ConfigExtension

	raw    []byte // the enclosing ECHConfigList's backing array
	start  int    // offset of the version field within raw
	length int    // 4 (version + content_length) + content_length
}

// Encoding returns the verbatim on-the-wire bytes of this ECHConfig,
// version through the end of extensions inclusive. This is the exact
// string used as the HPKE "info" suffix (spec §4.4, §6); decode-then-
// reencode is a no-op by construction since these are the original bytes,
// never reserialized.
func (c *ECHConfig) Encoding() []byte {
	return c.raw[c.start : c.start+c.length]
}

// IsLegacy reports whether this entry uses the decode-tolerant draft-09
// layout.
func (c *ECHConfig) IsLegacy() bool {
	return c.Version == VersionDraft09
}

// Supports reports whether this config offers the given HPKE ciphersuite.
func (c *ECHConfig) Supports(kdfID, aeadID uint16) bool {
	for _, cs := range c.CipherSuites {
		if cs.KDF == kdfID && cs.AEAD == aeadID {
			return true
		}
	}
	return false
}

// ConfigIDOrDerived returns ConfigID for draft-10 configs. draft-09 carries
// no config_id field on the wire; derive one by hashing the encoded config
// so the Server Decoder's key-selection step (spec §4.6 step 6) still has a
// value to compare against for legacy configs.
func (c *ECHConfig) ConfigIDOrDerived() uint8 {
	if c.Version != VersionDraft09 {
		return c.ConfigID
	}
	return derivedConfigID(c.Encoding())
}

func derivedConfigID(encoding []byte) uint8 {
	r := hkdf.New(sha256.New, encoding, nil, []byte("config_id"))
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		panic(fmt.Errorf("ech: deriving draft-09 config_id: %w", err))
	}
	return b[0]
}

// ECHConfigList is a decoded ECHConfigList: an ordered sequence of
// ECHConfig plus a copy of the raw outer encoding.
type ECHConfigList struct {
	Configs []ECHConfig
	raw     []byte
}

// Raw returns the exact bytes this ECHConfigList was decoded from,
// including its own 2-byte length prefix.
func (l *ECHConfigList) Raw() []byte {
	return l.raw
}

// ParseConfigList decodes one ECHConfigList from raw binary wire bytes, per
// spec §4.1 "Binary decode" and §6. It returns the parsed list and any
// leftover bytes beyond the declared total_length; the leftover may begin
// another ECHConfigList, as produced by the multi-value transports in
// DecodeConfigLists.
func ParseConfigList(raw []byte) (*ECHConfigList, []byte, error) {
	if len(raw) < 2 {
		return nil, nil, fmt.Errorf("%w: ECHConfigList shorter than its length prefix", ErrMalformedConfig)
	}
	totalLength := int(raw[0])<<8 | int(raw[1])
	if totalLength < 10 || totalLength >= 1500 {
		return nil, nil, fmt.Errorf("%w: total_length %d outside [10, 1500)", ErrMalformedConfig, totalLength)
	}
	end := 2 + totalLength
	if end > len(raw) {
		return nil, nil, fmt.Errorf("%w: total_length %d exceeds %d bytes available", ErrMalformedConfig, totalLength, len(raw)-2)
	}

	listRaw := slices.Clone(raw[:end])
	leftover := raw[end:]

	list := &ECHConfigList{raw: listRaw}
	offset := 2
	for offset < end {
		if end-offset < 4 {
			return nil, nil, fmt.Errorf("%w: truncated ECHConfig header", ErrMalformedConfig)
		}
		version := uint16(listRaw[offset])<<8 | uint16(listRaw[offset+1])
		contentLength := int(listRaw[offset+2])<<8 | int(listRaw[offset+3])
		start := offset
		contentStart := offset + 4
		if contentStart+contentLength > end {
			return nil, nil, fmt.Errorf("%w: ECHConfig content_length %d exceeds ECHConfigList", ErrMalformedConfig, contentLength)
		}
		content := listRaw[contentStart : contentStart+contentLength]
		offset = contentStart + contentLength

		if version != VersionDraft09 && version != VersionDraft10 {
			// Unknown version: skip it, per spec §4.1 step 2b. It is not
			// recorded; callers only ever see configs they might use.
			continue
		}
		cfg, err := parseConfigContent(version, content)
		if err != nil {
			return nil, nil, err
		}
		cfg.raw = listRaw
		cfg.start = start
		cfg.length = 4 + contentLength
		list.Configs = append(list.Configs, cfg)
	}
	return list, leftover, nil
}

func parseConfigContent(version uint16, content []byte) (ECHConfig, error) {
	var cfg ECHConfig
	cfg.Version = version
	s := cryptobyte.String(content)

	switch version {
	case VersionDraft10:
		// config_id · kem_id · pub · suites · max_name · public_name · exts
		if !s.ReadUint8(&cfg.ConfigID) {
			return cfg, fmt.Errorf("%w: config_id", ErrMalformedConfig)
		}
		if !s.ReadUint16(&cfg.KEM) {
			return cfg, fmt.Errorf("%w: kem_id", ErrMalformedConfig)
		}
		var pk cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&pk) {
			return cfg, fmt.Errorf("%w: public_key", ErrMalformedConfig)
		}
		cfg.PublicKey = []byte(pk)
		suites, err := readCipherSuites(&s)
		if err != nil {
			return cfg, err
		}
		cfg.CipherSuites = suites
		if !s.ReadUint16(&cfg.MaximumNameLength) {
			return cfg, fmt.Errorf("%w: maximum_name_length", ErrMalformedConfig)
		}
		var name cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&name) {
			return cfg, fmt.Errorf("%w: public_name", ErrMalformedConfig)
		}
		if l := len(name); l <= 1 || l > 255 {
			return cfg, fmt.Errorf("%w: public_name length %d", ErrMalformedConfig, l)
		}
		cfg.PublicName = []byte(name)
		exts, err := readConfigExtensions(&s)
		if err != nil {
			return cfg, err
		}
		cfg.Extensions = exts

	case VersionDraft09:
		// public_name · pub · kem_id · suites · max_name · exts
		var name cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&name) {
			return cfg, fmt.Errorf("%w: public_name", ErrMalformedConfig)
		}
		if l := len(name); l <= 1 || l > 255 {
			return cfg, fmt.Errorf("%w: public_name length %d", ErrMalformedConfig, l)
		}
		cfg.PublicName = []byte(name)
		var pk cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&pk) {
			return cfg, fmt.Errorf("%w: public_key", ErrMalformedConfig)
		}
		cfg.PublicKey = []byte(pk)
		if !s.ReadUint16(&cfg.KEM) {
			return cfg, fmt.Errorf("%w: kem_id", ErrMalformedConfig)
		}
		suites, err := readCipherSuites(&s)
		if err != nil {
			return cfg, err
		}
		cfg.CipherSuites = suites
		if !s.ReadUint16(&cfg.MaximumNameLength) {
			return cfg, fmt.Errorf("%w: maximum_name_length", ErrMalformedConfig)
		}
		exts, err := readConfigExtensions(&s)
		if err != nil {
			return cfg, err
		}
		cfg.Extensions = exts
	}
	if !s.Empty() {
		return cfg, fmt.Errorf("%w: trailing bytes in ECHConfig content", ErrMalformedConfig)
	}
	return cfg, nil
}

func readCipherSuites(s *cryptobyte.String) ([]CipherSuite, error) {
	var suiteBytes cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&suiteBytes) {
		return nil, fmt.Errorf("%w: cipher_suites", ErrMalformedConfig)
	}
	// Open question resolution (spec §9): the source's modulus check is
	// against 4, not 1; require a positive multiple of 4.
	if n := len(suiteBytes); n == 0 || n%4 != 0 {
		return nil, fmt.Errorf("%w: cipher_suites length %d is not a positive multiple of 4", ErrMalformedConfig, n)
	}
	var suites []CipherSuite
	for !suiteBytes.Empty() {
		var cs CipherSuite
		if !suiteBytes.ReadUint16(&cs.KDF) || !suiteBytes.ReadUint16(&cs.AEAD) {
			return nil, fmt.Errorf("%w: cipher_suites entry", ErrMalformedConfig)
		}
		suites = append(suites, cs)
	}
	return suites, nil
}

func readConfigExtensions(s *cryptobyte.String) ([]ConfigExtension, error) {
	var extBytes cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extBytes) {
		return nil, fmt.Errorf("%w: extensions", ErrMalformedConfig)
	}
	var exts []ConfigExtension
	for !extBytes.Empty() {
		var e ConfigExtension
		var data cryptobyte.String
		if !extBytes.ReadUint16(&e.Type) || !extBytes.ReadUint16LengthPrefixed(&data) {
			return nil, fmt.Errorf("%w: extensions entry", ErrMalformedConfig)
		}
		if len(data) >= 1500 {
			return nil, fmt.Errorf("%w: extension value length %d >= 1500", ErrMalformedConfig, len(data))
		}
		e.Data = []byte(data)
		exts = append(exts, e)
	}
	return exts, nil
}

// GeneratedConfig is a freshly minted (ECHConfig, private key) pair, as
// produced by GenerateConfig for provisioning a Key Store.
type GeneratedConfig struct {
	Raw        []byte // encoded ECHConfig, ready to embed in an ECHConfigList
	PrivateKey []byte
}

// GenerateConfig mints a new draft-10 ECHConfig and matching HPKE private
// key for configID, offering kemID with the given cipher suites.
func GenerateConfig(configID uint8, kemID uint16, suites []CipherSuite, publicName string, maximumNameLength uint16) (*GeneratedConfig, error) {
	if l := len(publicName); l <= 1 || l > 255 {
		return nil, fmt.Errorf("%w: invalid public name length %d", ErrMalformedConfig, l)
	}
	if len(suites) == 0 {
		return nil, fmt.Errorf("%w: no cipher suites offered", ErrMalformedConfig)
	}
	pub, priv, err := hpke.GenerateKeyPair(kemID)
	if err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(VersionDraft10)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(configID)
		b.AddUint16(kemID)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(pub) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, cs := range suites {
				b.AddUint16(cs.KDF)
				b.AddUint16(cs.AEAD)
			}
		})
		b.AddUint16(maximumNameLength)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(publicName)) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {}) // no extensions
	})
	raw, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return &GeneratedConfig{Raw: raw, PrivateKey: priv}, nil
}

// BuildConfigList assembles one or more encoded ECHConfigs (as produced by
// GenerateConfig, or copied from ECHConfig.Encoding()) into a wire
// ECHConfigList.
func BuildConfigList(configs [][]byte) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, c := range configs {
			b.AddBytes(c)
		}
	})
	return b.Bytes()
}
