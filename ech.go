// Package ech implements tools to support Encrypted Client Hello with a Split
// Mode Topology.
package ech

import (
	"context"
	"fmt"
	"io"
	"net"
	"slices"
	"sync/atomic"
	"time"
)

var _ net.Conn = (*Conn)(nil)

// Option is an argument passed to New.
type Option func(*Conn)

// WithKeyStore points Conn at the KeyStore it should use to resolve
// encrypted_client_hello extensions. Without one, Conn never decrypts ECH
// and every connection behaves as if the client GREASEd.
func WithKeyStore(keys *KeyStore) Option {
	return func(c *Conn) { c.keys = keys }
}

// WithPolicy sets the ServerDecoder policy (trial decryption, retry config
// offering) Conn applies. The default is the zero Policy.
func WithPolicy(policy Policy) Option {
	return func(c *Conn) { c.policy = policy }
}

// WithDebug enables debugging.
func WithDebug(f func(format string, arg ...any)) Option {
	return func(c *Conn) {
		c.debugf = f
	}
}

// WithHandshakeSecretFunc supplies the collaborator Conn calls to obtain
// the TLS 1.3 handshake_secret for the current connection, at the moment
// it needs to stamp the accept-confirmation signal into an outgoing
// ServerHello (spec §4.7). Conn never terminates TLS and never derives
// this secret itself; f is called once per ServerHello written on an
// ECH-accepted connection, after the real key schedule behind Conn has
// derived it. Without this option, ECH-accepted connections fail to
// write their ServerHello with ErrNoHandshakeSecret.
func WithHandshakeSecretFunc(f func() ([]byte, error)) Option {
	return func(c *Conn) { c.handshakeSecretFunc = f }
}

// New returns a [Conn] that manages Encrypted Client Hello in TLS connections,
// as defined in https://datatracker.ietf.org/doc/draft-ietf-tls-esni/ .
//
// Encrypted Client Hello handshake messages are decrypted and replaced with the
// ClientHelloInner transparently. If decryption fails, the HelloClientOuter is
// used instead.
//
// When New() returns, the first ClientHello message has already been
// processed. Conn continues to inspect the other handshake messages for
// retries. If ClientHello is retried, it will be processed similarly to the
// first one, with some extra restrictions.
//
// The ctx is used while reading the initial ClientHello only. It is not used
// after New returns.
func New(ctx context.Context, conn net.Conn, options ...Option) (outConn *Conn, err error) {
	defer convertErrorsToAlerts(conn, err)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		}
	}()
	record, err := readRecord(conn)
	if err != nil {
		return nil, err
	}
	if record[0] != 22 { // TLS Handshake
		return nil, fmt.Errorf("%w: content type %d != 22 (%q)", ErrUnexpectedMessage, record[0], record[:5])
	}
	outConn = &Conn{
		Conn:       conn,
		retryCount: new(atomic.Int32),
	}
	for _, opt := range options {
		opt(outConn)
	}
	if outConn.debugf == nil {
		outConn.debugf = func(string, ...any) {}
	}
	outConn.decoder = NewServerDecoder(outConn.keys, outConn.policy, WithServerDecoderDebug(outConn.debugf))

	if outConn.session, err = outConn.decoder.Decode(record); err != nil {
		return outConn, err
	}
	accepted := outConn.session.State() == SessionSuccess
	outConn.readPassthrough = !accepted
	outConn.writePassthrough = !accepted

	hello := outConn.session.Outer()
	if accepted {
		hello = outConn.session.Inner()
	}
	if outConn.readBuf, err = hello.Marshal(); err != nil {
		return outConn, err
	}
	return outConn, nil
}

// Conn manages Encrypted Client Hello in TLS connections, as defined in
// https://datatracker.ietf.org/doc/draft-ietf-tls-esni/ .
type Conn struct {
	net.Conn
	session *EchSession
	decoder *ServerDecoder

	keys                *KeyStore
	policy              Policy
	debugf              func(string, ...any)
	handshakeSecretFunc func() ([]byte, error)
	readBuf             []byte
	readErr             error
	writeBuf            []byte
	retryCount          *atomic.Int32
	readPassthrough     bool
	writePassthrough    bool
}

// ECHPresented indicates whether the client presented an Encrypted Client
// Hello.
func (c *Conn) ECHPresented() bool {
	return c != nil && c.session != nil && c.session.Outer() != nil &&
		c.session.Outer().OuterECH() != nil
}

// ECHAccepted indicates whether the client's Encrypted Client Hello was
// successfully decrypted and validated.
func (c *Conn) ECHAccepted() bool {
	return c != nil && c.session != nil && c.session.State() == SessionSuccess
}

// RetryConfigs returns the ECHConfigList the Server Decoder wants the client
// to retry with, if any (only set when ECH was attempted but not accepted
// and the Conn's Policy requests retry configs).
func (c *Conn) RetryConfigs() []byte {
	if c == nil || c.session == nil {
		return nil
	}
	return c.session.RetryConfigs()
}

// ServerName returns the SNI value extracted from the ClientHello.
func (c *Conn) ServerName() string {
	if h := c.activeHello(); h != nil {
		return h.ServerName
	}
	return ""
}

// ALPNProtos returns the ALPN protocol values extracted from the ClientHello.
func (c *Conn) ALPNProtos() []string {
	if h := c.activeHello(); h != nil {
		return slices.Clone(h.ALPNProtos)
	}
	return nil
}

func (c *Conn) activeHello() *clientHello {
	if c == nil {
		return nil
	}
	return sessionHello(c.session)
}

// sessionHello returns the ClientHello a session's caller should actually
// act on: the recovered inner hello when ECH was accepted, the outer hello
// otherwise.
func sessionHello(s *EchSession) *clientHello {
	if s == nil {
		return nil
	}
	if inner := s.Inner(); inner != nil {
		return inner
	}
	return s.Outer()
}

func (c *Conn) Read(b []byte) (int, error) {
	if !c.readPassthrough && len(c.readBuf) == 0 && c.readErr == nil {
		r, err := readRecord(c.Conn)
		if len(r) >= 5 {
			if r[0] == 22 {
				c.debugf("Read %s(%d) %s\n", contentType(r[0]), r[0], handshakeMessageTypes[r[5]])
			} else {
				c.debugf("Read %s(%d)\n", contentType(r[0]), r[0])
			}
		}
		switch {
		case err != nil:
			c.debugf("Read error %v\n", err)
			c.readErr = err
		case r[0] == 23:
			c.readPassthrough = true
		case r[0] == 22 && r[5] == 1 && c.retryCount.Load() == 1:
			c.debugf("Handshake Retried ClientHello\n")
			retried, err := c.decoder.Decode(r)
			if err != nil {
				c.readErr = err
				convertErrorsToAlerts(c, err)
				return 0, err
			}
			if err := CheckRetryConsistency(c.activeHello(), sessionHello(retried)); err != nil {
				c.readErr = err
				convertErrorsToAlerts(c, err)
				return 0, err
			}
			c.session = retried
			hello := c.activeHello()
			r, c.readErr = hello.Marshal()
		}
		c.readBuf = r
	}
	if len(c.readBuf) > 0 {
		n := copy(b, c.readBuf)
		c.readBuf = c.readBuf[n:]
		if len(c.readBuf) == 0 {
			return n, c.readErr
		}
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	return c.Conn.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.writePassthrough && len(c.writeBuf) == 0 {
		return c.Conn.Write(b)
	}
	c.writeBuf = append(c.writeBuf, b...)
	for len(c.writeBuf) >= 5 {
		length := uint32(c.writeBuf[3])<<8 | uint32(c.writeBuf[4])
		if length > 16384 {
			return 0, fmt.Errorf("%w: record length %d > 16384", ErrDecodeError, length)
		}
		sz := int(length) + 5
		if sz > len(c.writeBuf) {
			break
		}
		if err := c.inspectWrite(c.writeBuf[:sz]); err != nil {
			return 0, err
		}
		n, err := c.Conn.Write(c.writeBuf[:sz])
		c.writeBuf = c.writeBuf[n:]
		if err != nil {
			return min(len(b), n), err
		}
		if n != sz {
			return min(len(b), n), io.ErrShortWrite
		}
	}
	return len(b), nil
}

func (c *Conn) inspectWrite(record []byte) error {
	recType := record[0]
	msgType := record[5]
	if recType == 22 {
		c.debugf("Write %s(%d) %s\n", contentType(recType), recType, handshakeMessageTypes[msgType])
	} else {
		c.debugf("Write %s(%d)\n", contentType(recType), recType)
	}
	switch {
	case recType == 23:
		c.writePassthrough = true
	case recType == 22 && msgType == 2: // Handshake / ServerHello
		h, err := parseServerHello(record[5:])
		if err != nil {
			return fmt.Errorf("%w: parseServerHello: %v", ErrDecodeError, err)
		}
		if h.IsHelloRetryRequest() {
			c.debugf("HelloRetryRequest: %s\n", h)
			c.retryCount.Add(1)
			return nil
		}
		if c.ECHAccepted() {
			if c.handshakeSecretFunc == nil {
				return ErrNoHandshakeSecret
			}
			secret, err := c.handshakeSecretFunc()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrNoHandshakeSecret, err)
			}
			innerMsg, err := c.session.Inner().Marshal()
			if err != nil {
				return err
			}
			if err := ApplyAcceptConfirmation(secret, innerMsg, record[5:]); err != nil {
				return fmt.Errorf("%w: accept confirmation: %v", ErrHPKEFailure, err)
			}
		}
	}
	return nil
}
