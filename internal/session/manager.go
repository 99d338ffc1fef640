// Package session serializes access to stateful wallet connections.
//
// Some wallet protocols hold a single persistent session per credential
// set. Concurrent callers must not interleave on that session, and an
// idle session should be torn down instead of holding the remote end
// open forever.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"lnswitch/internal/logging"
)

// Conn is a live protocol session.
type Conn interface {
	Disconnect() error
}

// DialFunc establishes a new session from wallet credentials.
type DialFunc func(ctx context.Context, creds map[string]string) (Conn, error)

// DefaultIdleTimeout is how long a session survives without use before
// the manager disconnects it.
const DefaultIdleTimeout = 2 * time.Minute

type session struct {
	mu          sync.Mutex
	conn        Conn
	fingerprint string
	idle        *time.Timer
	gen         uint64 // bumped on every timer arm; stale expirations see a mismatch
}

// Manager caches one session per identity and runs all work on it under
// a per-identity mutex.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*session
	idleTimeout time.Duration
	log         *zap.SugaredLogger
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		sessions:    make(map[string]*session),
		idleTimeout: idleTimeout,
		log:         logging.New("session"),
	}
}

// Fingerprint derives a stable digest of a credential set, independent
// of map iteration order.
func Fingerprint(creds map[string]string) string {
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(creds[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Do runs fn against the session for key, dialing first if no live
// session exists. If the stored credentials changed since the session
// was dialed, the stale session is disconnected and a fresh one dialed
// before fn runs. Calls for the same key serialize.
func (m *Manager) Do(ctx context.Context, key string, creds map[string]string, dial DialFunc, fn func(Conn) error) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &session{}
		m.sessions[key] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}

	fp := Fingerprint(creds)
	if s.conn != nil && s.fingerprint != fp {
		m.log.Infow("credentials changed, reconnecting", "key", key)
		if err := s.conn.Disconnect(); err != nil {
			m.log.Warnw("disconnect stale session", "key", key, "err", err)
		}
		s.conn = nil
	}

	if s.conn == nil {
		conn, err := dial(ctx, creds)
		if err != nil {
			return err
		}
		s.conn = conn
		s.fingerprint = fp
	}

	err := fn(s.conn)

	// A previous timer may already have fired and be blocked on s.mu;
	// the generation bump neutralizes it once it gets the lock.
	s.gen++
	gen := s.gen
	s.idle = time.AfterFunc(m.idleTimeout, func() {
		m.expire(key, fp, gen)
	})
	return err
}

// expire tears down the session for key if it is still idle and the
// timer that fired is the one most recently armed.
func (m *Manager) expire(key, fingerprint string, gen uint64) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.conn == nil || s.fingerprint != fingerprint || s.idle == nil {
		return
	}
	m.log.Debugw("disconnecting idle session", "key", key)
	if err := s.conn.Disconnect(); err != nil {
		m.log.Warnw("disconnect idle session", "key", key, "err", err)
	}
	s.conn = nil
	s.idle = nil
}

// Drop disconnects and forgets the session for key, if any. Used when a
// wallet is deleted or its session is known broken.
func (m *Manager) Drop(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	if s.conn != nil {
		if err := s.conn.Disconnect(); err != nil {
			m.log.Warnw("disconnect dropped session", "key", key, "err", err)
		}
		s.conn = nil
	}
}

// Shutdown disconnects every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make(map[string]*session, len(m.sessions))
	for k, s := range m.sessions {
		sessions[k] = s
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for key, s := range sessions {
		s.mu.Lock()
		if s.idle != nil {
			s.idle.Stop()
			s.idle = nil
		}
		if s.conn != nil {
			if err := s.conn.Disconnect(); err != nil {
				m.log.Warnw("disconnect on shutdown", "key", key, "err", err)
			}
			s.conn = nil
		}
		s.mu.Unlock()
	}
}
