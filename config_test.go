package ech

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/veilproto/ech/internal/hpke"
)

func TestGenerateConfigAndParse(t *testing.T) {
	gc, err := GenerateConfig(123, hpke.DHKEM_X25519_HKDF_SHA256,
		[]CipherSuite{{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_AES128GCM}},
		"public.example.com", 32)
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	listRaw, err := BuildConfigList([][]byte{gc.Raw})
	if err != nil {
		t.Fatalf("BuildConfigList: %v", err)
	}
	list, leftover, err := ParseConfigList(listRaw)
	if err != nil {
		t.Fatalf("ParseConfigList: %v", err)
	}
	if len(leftover) != 0 {
		t.Fatalf("leftover = %d bytes, want 0", len(leftover))
	}
	if got, want := len(list.Configs), 1; got != want {
		t.Fatalf("len(Configs) = %d, want %d", got, want)
	}
	cfg := list.Configs[0]
	if got, want := cfg.ConfigID, uint8(123); got != want {
		t.Errorf("ConfigID = %d, want %d", got, want)
	}
	if got, want := string(cfg.PublicName), "public.example.com"; got != want {
		t.Errorf("PublicName = %q, want %q", got, want)
	}
	if got, want := cfg.Supports(hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM), true; got != want {
		t.Errorf("Supports(sha256,aes128) = %v, want %v", got, want)
	}
	if got := cfg.Supports(hpke.KDF_HKDF_SHA384, hpke.AEAD_AES256GCM); got {
		t.Errorf("Supports(sha384,aes256) = %v, want false", got)
	}
	if got, want := cfg.Encoding(), gc.Raw; !bytes.Equal(got, want) {
		t.Fatalf("Encoding() = %x, want %x", got, want)
	}
}

func TestBuildConfigListMultiple(t *testing.T) {
	gc1, err := GenerateConfig(1, hpke.DHKEM_X25519_HKDF_SHA256,
		[]CipherSuite{{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_AES128GCM}}, "a.example.com", 32)
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	gc2, err := GenerateConfig(2, hpke.DHKEM_X25519_HKDF_SHA256,
		[]CipherSuite{{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_ChaCha20Poly1305}}, "b.example.com", 32)
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	listRaw, err := BuildConfigList([][]byte{gc1.Raw, gc2.Raw})
	if err != nil {
		t.Fatalf("BuildConfigList: %v", err)
	}
	list, _, err := ParseConfigList(listRaw)
	if err != nil {
		t.Fatalf("ParseConfigList: %v", err)
	}
	if got, want := len(list.Configs), 2; got != want {
		t.Fatalf("len(Configs) = %d, want %d", got, want)
	}
	if got, want := list.Configs[0].ConfigID, uint8(1); got != want {
		t.Errorf("Configs[0].ConfigID = %d, want %d", got, want)
	}
	if got, want := list.Configs[1].ConfigID, uint8(2); got != want {
		t.Errorf("Configs[1].ConfigID = %d, want %d", got, want)
	}
}

func TestParseConfigListLeftoverBytes(t *testing.T) {
	gc, err := GenerateConfig(1, hpke.DHKEM_X25519_HKDF_SHA256,
		[]CipherSuite{{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_AES128GCM}}, "a.example.com", 32)
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	listRaw, err := BuildConfigList([][]byte{gc.Raw})
	if err != nil {
		t.Fatalf("BuildConfigList: %v", err)
	}
	trailer := []byte{0xde, 0xad, 0xbe, 0xef}
	_, leftover, err := ParseConfigList(append(listRaw, trailer...))
	if err != nil {
		t.Fatalf("ParseConfigList: %v", err)
	}
	if !bytes.Equal(leftover, trailer) {
		t.Fatalf("leftover = %x, want %x", leftover, trailer)
	}
}

func TestParseConfigListRejectsBadTotalLength(t *testing.T) {
	if _, _, err := ParseConfigList([]byte{0, 2, 0, 0}); err == nil {
		t.Fatalf("ParseConfigList() = nil error, want error for too-short total_length")
	}
}

func TestGuessFormatBase64(t *testing.T) {
	gc, err := GenerateConfig(1, hpke.DHKEM_X25519_HKDF_SHA256,
		[]CipherSuite{{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_AES128GCM}}, "a.example.com", 32)
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	listRaw, err := BuildConfigList([][]byte{gc.Raw})
	if err != nil {
		t.Fatalf("BuildConfigList: %v", err)
	}
	b64 := []byte(base64.StdEncoding.EncodeToString(listRaw))
	if got, want := GuessFormat(b64), FormatBase64; got != want {
		t.Fatalf("GuessFormat() = %v, want %v", got, want)
	}
	lists, err := DecodeConfigLists(b64)
	if err != nil {
		t.Fatalf("DecodeConfigLists: %v", err)
	}
	if got, want := len(lists), 1; got != want {
		t.Fatalf("len(lists) = %d, want %d", got, want)
	}
	if got, want := len(lists[0].Configs), 1; got != want {
		t.Fatalf("len(lists[0].Configs) = %d, want %d", got, want)
	}
}

func TestGuessFormatHTTPSSVC(t *testing.T) {
	gc, err := GenerateConfig(1, hpke.DHKEM_X25519_HKDF_SHA256,
		[]CipherSuite{{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_AES128GCM}}, "a.example.com", 32)
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	listRaw, err := BuildConfigList([][]byte{gc.Raw})
	if err != nil {
		t.Fatalf("BuildConfigList: %v", err)
	}
	text := []byte(`alpn="h2" ech="` + base64.StdEncoding.EncodeToString(listRaw) + `"`)
	if got, want := GuessFormat(text), FormatHTTPSSVC; got != want {
		t.Fatalf("GuessFormat() = %v, want %v", got, want)
	}
	lists, err := DecodeConfigLists(text)
	if err != nil {
		t.Fatalf("DecodeConfigLists: %v", err)
	}
	if got, want := len(lists), 1; got != want {
		t.Fatalf("len(lists) = %d, want %d", got, want)
	}
}
