package ech

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"testing"

	"github.com/veilproto/ech/internal/hpke"
)

func genTestConfig(t *testing.T, configID uint8, publicName string) (*GeneratedConfig, *ECHConfig, []byte) {
	t.Helper()
	gc, err := GenerateConfig(configID, hpke.DHKEM_X25519_HKDF_SHA256,
		[]CipherSuite{{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_ChaCha20Poly1305}},
		publicName, 32)
	if err != nil {
		t.Fatalf("GenerateConfig: %v", err)
	}
	listRaw, err := BuildConfigList([][]byte{gc.Raw})
	if err != nil {
		t.Fatalf("BuildConfigList: %v", err)
	}
	list, _, err := ParseConfigList(listRaw)
	if err != nil {
		t.Fatalf("ParseConfigList: %v", err)
	}
	return gc, &list.Configs[0], listRaw
}

func keyStoreWith(cfg *ECHConfig, priv []byte) *KeyStore {
	ks := NewKeyStore()
	ks.AddKey(*cfg, priv)
	return ks
}

// TestConn is an end-to-end test with a go client and a go server where the
// client has the correct ConfigList.
func TestConn(t *testing.T) {
	gc, cfg, configList := genTestConfig(t, 1, "example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()
	tlsCert, err := newCert("www.example.com", "example.com")
	if err != nil {
		t.Fatalf("newCert: %v", err)
	}
	rootCAs := x509.NewCertPool()
	rootCAs.AddCert(tlsCert.Leaf)

	ch := make(chan string)
	go func() {
		clientConn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Errorf("net.Dial: %v", err)
			return
		}
		client := tls.Client(clientConn, &tls.Config{
			ServerName:                     "www.example.com",
			RootCAs:                        rootCAs,
			NextProtos:                     []string{"h2", "http/1.1"},
			EncryptedClientHelloConfigList: configList,
		})
		if _, err := client.Write([]byte("hello\n")); err != nil {
			t.Errorf("client.Write: %v", err)
		}
		b := make([]byte, 1024)
		n, err := client.Read(b)
		if err != nil {
			t.Errorf("client.Read: %v", err)
		}
		t.Logf("client ECHAccepted: %v", client.ConnectionState().ECHAccepted)
		ch <- string(b[:n])
	}()

	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatalf("ln.Accept: %v", err)
	}
	// The plain crypto/tls.Server backing this test has no API exposing
	// its TLS 1.3 handshake_secret, so this stands in for the real
	// per-connection secret a terminating TLS stack would supply; it
	// exercises the patching path without a genuine key-schedule tie-in.
	outConn, err := New(t.Context(), serverConn, WithKeyStore(ks), WithDebug(t.Logf),
		WithHandshakeSecretFunc(func() ([]byte, error) {
			return make([]byte, 32), nil
		}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Logf("ServerName: %s", outConn.ServerName())
	t.Logf("ALPNProtos: %s", outConn.ALPNProtos())

	server := tls.Server(outConn, &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
	})
	b := make([]byte, 1024)
	n, err := server.Read(b)
	if err != nil {
		t.Fatalf("server.Read: %v", err)
	}
	if got, want := string(b[:n]), "hello\n"; got != want {
		t.Fatalf("Server read %q, want %q", got, want)
	}
	if _, err := server.Write([]byte("hi!\n")); err != nil {
		t.Fatalf("server.Write: %v", err)
	}
	t.Logf("server ECHAccepted: %v", server.ConnectionState().ECHAccepted)
	if got, want := <-ch, "hi!\n"; got != want {
		t.Fatalf("Client read %q, want %q", got, want)
	}
}

// TestNoInner verifies that a ClientHello without an ECH extensions works as
// expected.
func TestNoInner(t *testing.T) {
	gc, cfg, _ := genTestConfig(t, 1, "public.example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)

	outer := newClientHello("private", "tls1.3")
	c := newFakeConn(outer.bytes())

	conn, err := New(t.Context(), c, WithKeyStore(ks))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if buf, err := readRecord(conn); err != nil {
		t.Fatalf("ClientHello: %v", err)
	} else if got, want := buf, outer.bytes(); !bytes.Equal(got, want) {
		t.Fatalf("ClientHello = %v, want %v", got, want)
	}
	if got, want := conn.ServerName(), "private.example.com"; got != want {
		t.Errorf("ServerName() = %q, want %q", got, want)
	}
	if got, want := conn.ECHAccepted(), false; got != want {
		t.Errorf("ECHAccepted = %v, want %v", got, want)
	}
}

// TestTLS12 verifies that an ECH extension is ignored when ClientHello
// offers TLS 1.2.
func TestTLS12(t *testing.T) {
	gc, cfg, _ := genTestConfig(t, 1, "public.example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)
	pubKey := cfg.PublicKey

	inner := newClientHello("private", "echExtInner", "tls1.3")
	outer := newClientHello("public", cfg, pubKey, inner)
	c := newFakeConn(outer.bytes())

	conn, err := New(t.Context(), c, WithKeyStore(ks))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if buf, err := readRecord(conn); err != nil {
		t.Fatalf("ClientHello: %v", err)
	} else if got, want := buf, outer.bytes(); !bytes.Equal(got, want) {
		t.Fatalf("ClientHello = %v, want %v", got, want)
	}
	if got, want := conn.ServerName(), "public.example.com"; got != want {
		t.Errorf("ServerName() = %q, want %q", got, want)
	}
	if got, want := conn.ECHAccepted(), false; got != want {
		t.Errorf("ECHAccepted = %v, want %v", got, want)
	}
}

// TestValidInner verifies that a valid ECH extension is correctly handled.
func TestValidInner(t *testing.T) {
	gc, cfg, _ := genTestConfig(t, 1, "public.example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)
	pubKey := cfg.PublicKey

	inner := newClientHello("private", "echExtInner", "tls1.3")
	outer := newClientHello("public", "tls1.3", cfg, pubKey, inner)
	c := newFakeConn(outer.bytes())

	conn, err := New(t.Context(), c, WithKeyStore(ks))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if buf, err := readRecord(conn); err != nil {
		t.Fatalf("ClientHello: %v", err)
	} else if got, want := buf, inner.bytes(); !bytes.Equal(got, want) {
		t.Fatalf("ClientHello = %v, want %v", got, want)
	}
	if got, want := conn.ServerName(), "private.example.com"; got != want {
		t.Errorf("ServerName() = %q, want %q", got, want)
	}
	if got, want := conn.ECHAccepted(), true; got != want {
		t.Errorf("ECHAccepted = %v, want %v", got, want)
	}
}

func buildPlainServerHelloMsg(random []byte) []byte {
	h := &serverHello{
		LegacyVersion:           0x0303,
		Random:                  random,
		LegacySessionID:         []byte{1, 2, 3},
		CipherSuite:             0x1301,
		LegacyCompressionMethod: 0x00,
	}
	m, err := h.Marshal()
	if err != nil {
		panic(err)
	}
	return m
}

// TestWriteServerHelloWithoutHandshakeSecretFails verifies that an
// ECH-accepted Conn refuses to write a ServerHello when no
// WithHandshakeSecretFunc collaborator was supplied, rather than silently
// falling back to a fixed secret.
func TestWriteServerHelloWithoutHandshakeSecretFails(t *testing.T) {
	gc, cfg, _ := genTestConfig(t, 1, "public.example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)
	pubKey := cfg.PublicKey

	inner := newClientHello("private", "echExtInner", "tls1.3")
	outer := newClientHello("public", "tls1.3", cfg, pubKey, inner)
	c := newFakeConn(outer.bytes())

	conn, err := New(t.Context(), c, WithKeyStore(ks))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := conn.ECHAccepted(), true; got != want {
		t.Fatalf("ECHAccepted = %v, want %v", got, want)
	}
	if _, err := conn.Write(buildPlainServerHelloMsg(make([]byte, 32))); !errors.Is(err, ErrNoHandshakeSecret) {
		t.Fatalf("Write(ServerHello) error = %v, want ErrNoHandshakeSecret", err)
	}
}

// TestWriteServerHelloAppliesAcceptConfirmation verifies that a Conn given
// a WithHandshakeSecretFunc collaborator patches the outgoing ServerHello's
// random with a confirmation value that verifies under that same secret.
func TestWriteServerHelloAppliesAcceptConfirmation(t *testing.T) {
	gc, cfg, _ := genTestConfig(t, 1, "public.example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)
	pubKey := cfg.PublicKey

	inner := newClientHello("private", "echExtInner", "tls1.3")
	outer := newClientHello("public", "tls1.3", cfg, pubKey, inner)
	c := newFakeConn(outer.bytes())

	secret := bytes.Repeat([]byte{0x7a}, 32)
	conn, err := New(t.Context(), c, WithKeyStore(ks), WithHandshakeSecretFunc(func() ([]byte, error) {
		return secret, nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := conn.ECHAccepted(), true; got != want {
		t.Fatalf("ECHAccepted = %v, want %v", got, want)
	}

	random := make([]byte, 32)
	for i := range random {
		random[i] = byte(i)
	}
	if _, err := conn.Write(buildPlainServerHelloMsg(random)); err != nil {
		t.Fatalf("Write(ServerHello): %v", err)
	}

	sent := c.Writer.(*bytes.Buffer).Bytes()
	innerMsg, err := conn.session.Inner().Marshal()
	if err != nil {
		t.Fatalf("Marshal inner: %v", err)
	}
	ok, err := VerifyAcceptConfirmation(secret, innerMsg, sent[5:])
	if err != nil {
		t.Fatalf("VerifyAcceptConfirmation: %v", err)
	}
	if !ok {
		t.Fatalf("VerifyAcceptConfirmation = false, want true")
	}
	wrongSecret := bytes.Repeat([]byte{0x01}, 32)
	if ok, err := VerifyAcceptConfirmation(wrongSecret, innerMsg, sent[5:]); err == nil && ok {
		t.Fatalf("VerifyAcceptConfirmation with wrong secret = true, want false")
	}
}

// TestOuterHasECHOuterExt verifies that ech_outer_extensions is rejected in
// ClientHelloOuter.
func TestOuterHasECHOuterExt(t *testing.T) {
	gc, cfg, _ := genTestConfig(t, 1, "public.example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)

	outer := newClientHello("public", "tls1.3", "ech_outer_extensions")
	c := newFakeConn(outer.bytes())

	if _, err := New(t.Context(), c, WithKeyStore(ks)); !errors.Is(err, ErrIllegalParameter) {
		t.Fatalf("New() = %v, want ErrIllegalParameter", err)
	}
}

// TestValidRetry verifies that a ClientHello with an ECH extension is
// properly decrypted/decoded after a HelloRetryRequest.
func TestValidRetry(t *testing.T) {
	gc, cfg, _ := genTestConfig(t, 1, "public.example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)
	pubKey := cfg.PublicKey

	inner1 := newClientHello("private", "echExtInner", "tls1.3")
	outer1 := newClientHello("public", "tls1.3", cfg, pubKey, inner1)
	inner2 := newClientHello("private", "echExtInner", "tls1.3")
	outer2 := newClientHello("public", "tls1.3", outer1.hpkeCtx, cfg, pubKey, inner2)
	c := newFakeConn(append(outer1.bytes(), outer2.bytes()...))

	conn, err := New(t.Context(), c, WithKeyStore(ks))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if buf, err := readRecord(conn); err != nil {
		t.Fatalf("First ClientHello: %v", err)
	} else if got, want := buf, inner1.bytes(); !bytes.Equal(got, want) {
		t.Fatalf("First ClientHello = %v, want %v", got, want)
	}
	if got, want := conn.ServerName(), "private.example.com"; got != want {
		t.Errorf("ServerName() = %q, want %q", got, want)
	}
	if got, want := conn.ECHAccepted(), true; got != want {
		t.Errorf("ECHAccepted = %v, want %v", got, want)
	}
	if _, err := conn.Write(helloRetryReq()); err != nil {
		t.Fatalf("Write(helloRetryReq): %v", err)
	}
	if buf, err := readRecord(conn); err != nil {
		t.Fatalf("Second ClientHello: %v", err)
	} else if got, want := buf, inner2.bytes(); !bytes.Equal(got, want) {
		t.Fatalf("Second ClientHello = %v, want %v", got, want)
	}
}

// TestRetryChangesServerName verifies that changing the SNI in a retry
// ClientHelloInner is rejected.
func TestRetryChangesServerName(t *testing.T) {
	gc, cfg, _ := genTestConfig(t, 1, "public.example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)
	pubKey := cfg.PublicKey

	inner1 := newClientHello("private", "echExtInner", "tls1.3")
	outer1 := newClientHello("public", "tls1.3", cfg, pubKey, inner1)
	inner2 := newClientHello("public", "echExtInner", "tls1.3")
	outer2 := newClientHello("public", "tls1.3", outer1.hpkeCtx, cfg, pubKey, inner2)
	c := newFakeConn(append(outer1.bytes(), outer2.bytes()...))

	conn, err := New(t.Context(), c, WithKeyStore(ks))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if buf, err := readRecord(conn); err != nil {
		t.Fatalf("First ClientHello: %v", err)
	} else if got, want := buf, inner1.bytes(); !bytes.Equal(got, want) {
		t.Fatalf("First ClientHello = %v, want %v", got, want)
	}
	if got, want := conn.ECHAccepted(), true; got != want {
		t.Errorf("ECHAccepted = %v, want %v", got, want)
	}
	if _, err := conn.Write(helloRetryReq()); err != nil {
		t.Fatalf("Write(helloRetryReq): %v", err)
	}
	if _, err := readRecord(conn); !errors.Is(err, ErrBadExtension) {
		t.Fatalf("Second ClientHello: %v, want ErrBadExtension", err)
	}
}

// TestRetryMissingECHExt verifies that a retry ClientHello without an ECH
// extension, after the first one had one, is rejected.
func TestRetryMissingECHExt(t *testing.T) {
	gc, cfg, _ := genTestConfig(t, 1, "public.example.com")
	ks := keyStoreWith(cfg, gc.PrivateKey)
	pubKey := cfg.PublicKey

	inner1 := newClientHello("private", "echExtInner", "tls1.3")
	outer1 := newClientHello("public", "tls1.3", cfg, pubKey, inner1)
	outer2 := newClientHello("public", "tls1.3")
	c := newFakeConn(append(outer1.bytes(), outer2.bytes()...))

	conn, err := New(t.Context(), c, WithKeyStore(ks))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := readRecord(conn); err != nil {
		t.Fatalf("First ClientHello: %v", err)
	}
	if got, want := conn.ECHAccepted(), true; got != want {
		t.Errorf("ECHAccepted = %v, want %v", got, want)
	}
	if _, err := conn.Write(helloRetryReq()); err != nil {
		t.Fatalf("Write(helloRetryReq): %v", err)
	}
	if _, err := readRecord(conn); !errors.Is(err, ErrBadExtension) {
		t.Fatalf("Second ClientHello: %v, want ErrBadExtension", err)
	}
}
