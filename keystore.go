package ech

import (
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"
)

// StoredKey is a server-held (ECHConfig, private key) pair, as provisioned
// by AddFromPEM or RefreshIfChanged.
type StoredKey struct {
	Config     ECHConfig
	PrivateKey []byte

	addedAt time.Time
}

// pemFileState records what a KeyStore last loaded from a given path, so
// RefreshIfChanged can tell whether the file actually changed before
// re-parsing it.
type pemFileState struct {
	modTime time.Time
	size    int64
}

// KeyStoreOption configures a KeyStore constructed by NewKeyStore.
type KeyStoreOption func(*KeyStore)

// WithKeyStoreDebug enables debug tracing on a KeyStore, in the style of
// the split-mode Conn's WithDebug.
func WithKeyStoreDebug(f func(format string, arg ...any)) KeyStoreOption {
	return func(s *KeyStore) { s.debugf = f }
}

// KeyStore holds the server's current set of (ECHConfig, private key)
// pairs and tracks the PEM files they were loaded from, per spec §4.2.
// Keys added directly via AddFromPEM are held separately from keys loaded
// from a watched path, so a stale path's keys can be replaced wholesale
// without disturbing keys from other sources.
type KeyStore struct {
	mu       sync.RWMutex
	manual   []StoredKey
	fromPath map[string][]StoredKey
	sources  map[string]pemFileState
	debugf   func(string, ...any)
}

// NewKeyStore returns an empty KeyStore.
func NewKeyStore(opts ...KeyStoreOption) *KeyStore {
	s := &KeyStore{
		fromPath: make(map[string][]StoredKey),
		sources:  make(map[string]pemFileState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.debugf == nil {
		s.debugf = func(string, ...any) {}
	}
	return s
}

// AddFromPEM parses data as a sequence of PEM blocks and adds every
// ("ECH CONFIG", "ECH PRIVATE KEY") pair it finds, in the order they
// appear; an ECH CONFIG block must be immediately followed by its matching
// ECH PRIVATE KEY block. It returns the number of pairs added.
func (s *KeyStore) AddFromPEM(data []byte) (int, error) {
	keys, err := decodeECHPEM(data)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manual = append(s.manual, keys...)
	s.debugf("KeyStore: added %d key(s) from PEM, %d total\n", len(keys), s.countLocked())
	return len(keys), nil
}

// AddKey adds a single (ECHConfig, private key) pair directly, without
// going through PEM encoding. It is the programmatic counterpart to
// AddFromPEM, for callers that already hold a parsed ECHConfig.
func (s *KeyStore) AddKey(cfg ECHConfig, privateKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manual = append(s.manual, StoredKey{
		Config:     cfg,
		PrivateKey: append([]byte(nil), privateKey...),
		addedAt:    time.Now(),
	})
	s.debugf("KeyStore: added 1 key via AddKey, %d total\n", s.countLocked())
}

func decodeECHPEM(data []byte) ([]StoredKey, error) {
	now := time.Now()
	var (
		keys       []StoredKey
		pendingCfg *ECHConfig
	)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "ECH CONFIG":
			list, _, err := ParseConfigList(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: ECH CONFIG block: %v", ErrMalformedConfig, err)
			}
			if len(list.Configs) != 1 {
				return nil, fmt.Errorf("%w: ECH CONFIG block must hold exactly one config", ErrMalformedConfig)
			}
			cfg := list.Configs[0]
			pendingCfg = &cfg
		case "ECH PRIVATE KEY":
			if pendingCfg == nil {
				return nil, fmt.Errorf("%w: ECH PRIVATE KEY block without a preceding ECH CONFIG block", ErrMalformedConfig)
			}
			keys = append(keys, StoredKey{
				Config:     *pendingCfg,
				PrivateKey: append([]byte(nil), block.Bytes...),
				addedAt:    now,
			})
			pendingCfg = nil
		}
	}
	if pendingCfg != nil {
		return nil, fmt.Errorf("%w: ECH CONFIG block without a matching ECH PRIVATE KEY block", ErrMalformedConfig)
	}
	return keys, nil
}

// RefreshIfChanged reloads the PEM keys at path if its mtime or size
// differs from the last successful load of that path, replacing the keys
// previously contributed by it wholesale. It returns whether a reload
// happened.
func (s *KeyStore) RefreshIfChanged(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	prev, known := s.sources[path]
	s.mu.RUnlock()
	if known && prev.modTime.Equal(info.ModTime()) && prev.size == info.Size() {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	keys, err := decodeECHPEM(data)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fromPath[path] = keys
	s.sources[path] = pemFileState{modTime: info.ModTime(), size: info.Size()}
	s.debugf("KeyStore: reloaded %s, %d key(s), %d total\n", path, len(keys), s.countLocked())
	return true, nil
}

// Flush removes keys older than maxAge, across both manual and
// path-sourced keys, and reports how many were removed.
func (s *KeyStore) Flush(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	s.manual, removed = flushOlderThan(s.manual, cutoff, removed)
	for path, keys := range s.fromPath {
		s.fromPath[path], removed = flushOlderThan(keys, cutoff, removed)
	}
	if removed > 0 {
		s.debugf("KeyStore: flushed %d key(s) older than %s, %d remain\n", removed, maxAge, s.countLocked())
	}
	return removed
}

func flushOlderThan(keys []StoredKey, cutoff time.Time, removed int) ([]StoredKey, int) {
	kept := keys[:0:0]
	for _, k := range keys {
		if k.addedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, k)
	}
	return kept, removed
}

// Count returns the number of keys currently held.
func (s *KeyStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked()
}

func (s *KeyStore) countLocked() int {
	n := len(s.manual)
	for _, keys := range s.fromPath {
		n += len(keys)
	}
	return n
}

// All returns a snapshot of the keys currently held.
func (s *KeyStore) All() []StoredKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]StoredKey(nil), s.manual...)
	for _, keys := range s.fromPath {
		out = append(out, keys...)
	}
	return out
}

// ByConfigID returns every held key whose config_id (draft-10) or derived
// config_id (draft-09) equals id. Multiple keys may share a config_id by
// coincidence; the Server Decoder tries only the first of them directly and
// reaches the others through trial decryption (Policy.TrialDecrypt).
func (s *KeyStore) ByConfigID(id uint8) []StoredKey {
	var out []StoredKey
	for _, k := range s.All() {
		if k.Config.ConfigIDOrDerived() == id {
			out = append(out, k)
		}
	}
	return out
}

// CurrentConfigList builds a fresh ECHConfigList from every config this
// KeyStore currently holds, for use as a RetryConfigList (spec §4.6,
// SPEC_FULL.md §4 "Retry configs on rejection").
func (s *KeyStore) CurrentConfigList() ([]byte, error) {
	all := s.All()
	if len(all) == 0 {
		return nil, nil
	}
	configs := make([][]byte, len(all))
	for i, k := range all {
		configs[i] = k.Config.Encoding()
	}
	return BuildConfigList(configs)
}
