package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// sessionTokenBytes is the amount of entropy in an opaque session token,
// before base64 encoding. Sessions are opaque server-side tokens, not JWTs:
// nothing here needs to be independently verifiable off-store.
const sessionTokenBytes = 32

// SessionManager creates and validates opaque sessions, enforcing a
// per-user concurrency limit by evicting the oldest session first.
type SessionManager struct {
	store   store.Store
	clock   platform.Clock
	ids     platform.IDGenerator
	ttl     time.Duration
	maxConc int
}

// NewSessionManager builds a SessionManager. maxConcurrent must be >= 1.
func NewSessionManager(s store.Store, clock platform.Clock, ids platform.IDGenerator, ttl time.Duration, maxConcurrent int) *SessionManager {
	return &SessionManager{store: s, clock: clock, ids: ids, ttl: ttl, maxConc: maxConcurrent}
}

// generateToken returns a random opaque token and its hash, suitable for
// sending to the client and storing server-side, respectively.
func generateToken() (plaintext, hash string, err error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, HashAPIKey(plaintext), nil
}

// CreateSession issues a new session for userID, evicting the oldest active
// sessions first if doing so would exceed the configured concurrency limit.
func (m *SessionManager) CreateSession(ctx context.Context, userID string) (plaintext string, session *store.Session, err error) {
	active, err := m.store.CountActiveSessions(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	if active >= m.maxConc {
		oldest, err := m.store.ListActiveSessionsOldestFirst(ctx, userID)
		if err != nil {
			return "", nil, err
		}
		evict := active - m.maxConc + 1
		for i := 0; i < evict && i < len(oldest); i++ {
			if err := m.store.RevokeSession(ctx, oldest[i].ID); err != nil {
				return "", nil, err
			}
		}
	}

	plaintext, hash, err := generateToken()
	if err != nil {
		return "", nil, errs.Wrap(errs.KindInternal, "generating session token", err)
	}

	now := m.clock.Now()
	sess := &store.Session{
		ID:        m.ids.NewID(),
		UserID:    userID,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return "", nil, err
	}
	return plaintext, sess, nil
}

// ValidateSession resolves a plaintext bearer token to its session record,
// rejecting revoked or expired sessions.
func (m *SessionManager) ValidateSession(ctx context.Context, plaintext string) (*store.Session, error) {
	hash := HashAPIKey(plaintext)
	sess, err := m.store.GetSessionByTokenHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if sess.Revoked {
		return nil, errs.New(errs.KindAuthFailed, "session revoked")
	}
	if !sess.ExpiresAt.After(m.clock.Now()) {
		return nil, errs.New(errs.KindAuthFailed, "session expired")
	}
	return sess, nil
}

// RevokeSession terminates a session by ID, e.g. on logout.
func (m *SessionManager) RevokeSession(ctx context.Context, sessionID string) error {
	return m.store.RevokeSession(ctx, sessionID)
}

// PruneExpired deletes all expired sessions and returns the count removed,
// for periodic invocation by a cleanup task.
func (m *SessionManager) PruneExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredSessions(ctx, m.clock.Now())
}
