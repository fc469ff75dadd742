package ech

// SessionState is the outcome of one connection's ECH negotiation attempt,
// as tracked by EchSession.
type SessionState int

const (
	// SessionNotTried is the initial state: no ClientHello seen yet.
	SessionNotTried SessionState = iota
	// SessionAttempted means a real ECH extension was presented but the
	// Server Decoder has not yet resolved it.
	SessionAttempted
	// SessionGrease means no key matched (or decryption failed and no
	// trial-decrypt candidate succeeded); the connection proceeds on
	// ClientHelloOuter.
	SessionGrease
	// SessionSuccess means the inner ClientHello was recovered and
	// validated.
	SessionSuccess
	// SessionFailed means the ECH extension was structurally invalid in
	// a way that must abort the handshake rather than fall back.
	SessionFailed
	// SessionBadName means the inner ClientHello decrypted successfully
	// but its server name was rejected by the caller's naming policy.
	SessionBadName
)

func (s SessionState) String() string {
	switch s {
	case SessionNotTried:
		return "not_tried"
	case SessionAttempted:
		return "attempted"
	case SessionGrease:
		return "grease"
	case SessionSuccess:
		return "success"
	case SessionFailed:
		return "failed"
	case SessionBadName:
		return "bad_name"
	default:
		return "unknown"
	}
}

// EchSession is a tagged record of one connection's ECH negotiation
// outcome, per spec §4.9. Each transition replaces the whole value rather
// than mutating individual fields in place, so a reader of State() never
// observes a half-updated mix of two different outcomes.
type EchSession struct {
	state        SessionState
	outer        *clientHello
	inner        *clientHello
	retryConfigs []byte
	err          error
}

// NewSession returns a fresh EchSession in SessionNotTried.
func NewSession() *EchSession {
	return &EchSession{state: SessionNotTried}
}

func (s *EchSession) State() SessionState  { return s.state }
func (s *EchSession) Outer() *clientHello  { return s.outer }
func (s *EchSession) Inner() *clientHello  { return s.inner }
func (s *EchSession) RetryConfigs() []byte { return s.retryConfigs }
func (s *EchSession) Err() error           { return s.err }

// TransitionAttempted records that the client presented a real ECH
// extension, before the Server Decoder has resolved it.
func (s *EchSession) TransitionAttempted(outer *clientHello) {
	*s = EchSession{state: SessionAttempted, outer: outer}
}

// TransitionSuccess records a fully resolved, accepted ECH exchange.
func (s *EchSession) TransitionSuccess(outer, inner *clientHello) {
	*s = EchSession{state: SessionSuccess, outer: outer, inner: inner}
}

// TransitionGrease records falling back to ClientHelloOuter, optionally
// handing the client a fresh RetryConfigList.
func (s *EchSession) TransitionGrease(outer *clientHello, retryConfigs []byte) {
	*s = EchSession{state: SessionGrease, outer: outer, retryConfigs: retryConfigs}
}

// TransitionFailed records a structural failure that must abort the
// handshake.
func (s *EchSession) TransitionFailed(outer *clientHello, err error) {
	*s = EchSession{state: SessionFailed, outer: outer, err: err}
}

// TransitionBadName records a decrypted inner ClientHello whose server
// name the caller's naming policy rejected.
func (s *EchSession) TransitionBadName(outer, inner *clientHello, err error) {
	*s = EchSession{state: SessionBadName, outer: outer, inner: inner, err: err}
}
