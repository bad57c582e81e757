// Package session keeps per-conversation state in memory with TTL
// expiry and a bounded turn history.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlab/voicebot/pkg/logger"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single message in a conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the state of one conversation.
type Session struct {
	ID           string    `json:"id"`
	Turns        []Turn    `json:"turns"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
	TokensUsed   int       `json:"tokens_used"`
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	TotalTurns     int `json:"total_turns"`
}

// Store holds sessions keyed by id. All methods are safe for
// concurrent use; returned sessions are snapshots the caller owns.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	maxTurns int
	now      func() time.Time
}

func NewStore(ttl time.Duration, maxTurns int) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

// GetOrCreate resolves id to a live session, creating a fresh one when
// the id is empty, unknown, or expired. It returns a snapshot and the
// effective session id.
func (s *Store) GetOrCreate(id string) (Session, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if sess, ok := s.sessions[id]; ok && !s.expiredLocked(sess) {
			return *cloneSession(sess), id
		}
	}

	newID := uuid.NewString()
	now := s.now()
	sess := &Session{
		ID:           newID,
		Turns:        []Turn{},
		Created:      now,
		LastActivity: now,
	}
	s.sessions[newID] = sess

	logger.DebugCF("session", "Created session", map[string]any{"session_id": newID})
	return *cloneSession(sess), newID
}

// AppendTurn adds one turn to the session. It reports false when the
// id is unknown or the session has expired.
func (s *Store) AppendTurn(id, role, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.liveLocked(id)
	if !ok {
		return false
	}

	s.appendLocked(sess, role, content)
	return true
}

// AppendExchange adds a user turn and the assistant reply as one unit,
// so concurrent requests can never interleave inside a pair. tokens is
// added to the session's usage counter.
func (s *Store) AppendExchange(id, userContent, assistantContent string, tokens int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.liveLocked(id)
	if !ok {
		return false
	}

	s.appendLocked(sess, RoleUser, userContent)
	s.appendLocked(sess, RoleAssistant, assistantContent)
	sess.TokensUsed += tokens
	return true
}

// History returns a copy of the session's turns.
func (s *Store) History(id string) ([]Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || s.expiredLocked(sess) {
		return nil, false
	}

	turns := make([]Turn, len(sess.Turns))
	copy(turns, sess.Turns)
	return turns, true
}

// Get returns a snapshot of a live session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || s.expiredLocked(sess) {
		return Session{}, false
	}
	return *cloneSession(sess), true
}

// Delete removes a session. It reports false when the id is unknown.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	logger.DebugCF("session", "Deleted session", map[string]any{"session_id": id})
	return true
}

// SweepExpired removes every expired session and returns how many.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if s.expiredLocked(sess) {
			delete(s.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		logger.InfoCF("session", "Swept expired sessions", map[string]any{
			"removed":   removed,
			"remaining": len(s.sessions),
		})
	}
	return removed
}

// Len counts live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sess := range s.sessions {
		if !s.expiredLocked(sess) {
			n++
		}
	}
	return n
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{}
	for _, sess := range s.sessions {
		if s.expiredLocked(sess) {
			continue
		}
		stats.ActiveSessions++
		stats.TotalTurns += len(sess.Turns)
	}
	return stats
}

// StartSweeper runs SweepExpired on a ticker until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepExpired()
			}
		}
	}()
}

func (s *Store) liveLocked(id string) (*Session, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if s.expiredLocked(sess) {
		delete(s.sessions, id)
		return nil, false
	}
	return sess, true
}

func (s *Store) appendLocked(sess *Session, role, content string) {
	sess.Turns = append(sess.Turns, Turn{
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
	})
	sess.LastActivity = s.now()

	// Trim oldest turns two at a time so user/assistant pairs stay
	// intact under the bound.
	for len(sess.Turns) > s.maxTurns {
		drop := 2
		if drop > len(sess.Turns) {
			drop = len(sess.Turns)
		}
		sess.Turns = sess.Turns[drop:]
	}
}

func (s *Store) expiredLocked(sess *Session) bool {
	return s.now().Sub(sess.LastActivity) > s.ttl
}

func cloneSession(sess *Session) *Session {
	clone := *sess
	clone.Turns = make([]Turn, len(sess.Turns))
	copy(clone.Turns, sess.Turns)
	return &clone
}
