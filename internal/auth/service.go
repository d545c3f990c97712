package auth

import (
	"context"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// Identity is the resolved principal attached to an authenticated request.
type Identity struct {
	UserID string
	Role   store.Role
	// Via is "session" or "apikey", for audit logging.
	Via string
}

// auditRecorder is the subset of audit.Writer's API Service depends on.
// Kept as a local interface so this package doesn't need to import audit.
type auditRecorder interface {
	Record(actor, action, resource, resourceID string, metadata map[string]string)
}

// Service is the C4 façade: it owns credential verification, session
// issuance, and the permission check every handler calls before acting.
type Service struct {
	store      store.Store
	clock      platform.Clock
	ids        platform.IDGenerator
	sessions   *SessionManager
	workFactor int
	audit      auditRecorder
}

// SetAuditRecorder wires an async audit writer. Until this is called,
// permission denials are recorded synchronously against the store, which is
// fine for tests but not for production request latency.
func (svc *Service) SetAuditRecorder(w auditRecorder) {
	svc.audit = w
}

// NewService builds a Service. workFactor is the argon2id time parameter
// and must be >= 12 (the config layer enforces this at startup).
func NewService(s store.Store, clock platform.Clock, ids platform.IDGenerator, sessionTTL time.Duration, maxConcurrentSessions, workFactor int) *Service {
	return &Service{
		store:      s,
		clock:      clock,
		ids:        ids,
		sessions:   NewSessionManager(s, clock, ids, sessionTTL, maxConcurrentSessions),
		workFactor: workFactor,
	}
}

// CreateUser hashes password and stores a new local account.
func (svc *Service) CreateUser(ctx context.Context, username, email, password string, role store.Role) (*store.User, error) {
	hash, err := HashPassword(password, svc.workFactor)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "hashing password", err)
	}
	u := &store.User{
		ID:           svc.ids.NewID(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    svc.clock.Now(),
	}
	if err := svc.store.InsertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate verifies a username/password pair and, on success, issues a
// new session. Failure is reported uniformly as KindAuthFailed whether the
// user doesn't exist, is disabled, or supplied the wrong password, so
// callers can't enumerate accounts by response shape.
func (svc *Service) Authenticate(ctx context.Context, username, password string) (plaintext string, session *store.Session, err error) {
	u, err := svc.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			// No such user: still pay the full argon2id cost against a dummy
			// hash (VerifyPassword's malformed-hash branch) so this path takes
			// the same time as a wrong-password attempt against a real user.
			VerifyPassword(password, "")
			return "", nil, errs.New(errs.KindAuthFailed, "invalid credentials")
		}
		return "", nil, err
	}
	if !VerifyPassword(password, u.PasswordHash) || u.Disabled {
		return "", nil, errs.New(errs.KindAuthFailed, "invalid credentials")
	}

	plaintext, sess, err := svc.sessions.CreateSession(ctx, u.ID)
	if err != nil {
		return "", nil, err
	}
	_ = svc.store.UpdateUserLastLogin(ctx, u.ID, svc.clock.Now())
	return plaintext, sess, nil
}

// IssueAPIKey generates a new API key scoped to role and persists its hash.
func (svc *Service) IssueAPIKey(ctx context.Context, userID string, role store.Role, expiresAt *time.Time) (plaintext string, key *store.ApiKey, err error) {
	plaintext, prefix, hash, err := GenerateAPIKey()
	if err != nil {
		return "", nil, errs.Wrap(errs.KindInternal, "generating API key", err)
	}
	k := &store.ApiKey{
		ID:        svc.ids.NewID(),
		UserID:    userID,
		Prefix:    prefix,
		Hash:      hash,
		Role:      role,
		CreatedAt: svc.clock.Now(),
		ExpiresAt: expiresAt,
	}
	if err := svc.store.InsertApiKey(ctx, k); err != nil {
		return "", nil, err
	}
	return plaintext, k, nil
}

// ResolveIdentity resolves a bearer credential — either an opaque session
// token or an API key — to an Identity. Credential shape is checked first
// (LooksLikeAPIKey) so the two code paths never cross.
func (svc *Service) ResolveIdentity(ctx context.Context, credential string) (*Identity, error) {
	if LooksLikeAPIKey(credential) {
		return svc.resolveAPIKey(ctx, credential)
	}
	return svc.resolveSession(ctx, credential)
}

func (svc *Service) resolveSession(ctx context.Context, credential string) (*Identity, error) {
	sess, err := svc.sessions.ValidateSession(ctx, credential)
	if err != nil {
		return nil, err
	}
	u, err := svc.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if u.Disabled {
		return nil, errs.New(errs.KindAuthFailed, "account disabled")
	}
	return &Identity{UserID: u.ID, Role: u.Role, Via: "session"}, nil
}

func (svc *Service) resolveAPIKey(ctx context.Context, credential string) (*Identity, error) {
	hash := HashAPIKey(credential)
	k, err := svc.store.GetApiKeyByHash(ctx, hash)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, errs.New(errs.KindAuthFailed, "invalid credentials")
		}
		return nil, err
	}
	if k.Revoked {
		return nil, errs.New(errs.KindAuthFailed, "invalid credentials")
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(svc.clock.Now()) {
		return nil, errs.New(errs.KindAuthFailed, "invalid credentials")
	}
	_ = svc.store.UpdateApiKeyLastUsed(ctx, k.ID, svc.clock.Now())
	return &Identity{UserID: k.UserID, Role: k.Role, Via: "apikey"}, nil
}

// Authorize reports whether identity may perform action on resource, and
// records a denial in the audit trail when it doesn't.
func (svc *Service) Authorize(ctx context.Context, identity *Identity, resource Resource, action Action) bool {
	allowed := CheckPermission(identity.Role, resource, action)
	if !allowed {
		deniedAction := "permission_denied:" + string(action)
		if svc.audit != nil {
			svc.audit.Record(identity.UserID, deniedAction, string(resource), "", nil)
		} else {
			_ = svc.store.AppendAuditEntry(ctx, &store.AuditEntry{
				ID:        svc.ids.NewID(),
				Actor:     identity.UserID,
				Action:    deniedAction,
				Resource:  string(resource),
				Timestamp: svc.clock.Now(),
			})
		}
	}
	return allowed
}

// Logout revokes a single session.
func (svc *Service) Logout(ctx context.Context, sessionID string) error {
	return svc.sessions.RevokeSession(ctx, sessionID)
}

// PruneExpiredSessions deletes expired sessions; intended for periodic
// invocation from a background cleanup task.
func (svc *Service) PruneExpiredSessions(ctx context.Context) (int, error) {
	return svc.sessions.PruneExpired(ctx)
}
