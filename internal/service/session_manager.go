package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/observability"
	"github.com/myeline/careauth/internal/repository"
	"github.com/myeline/careauth/internal/security"
)

const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultRememberTTL = 30 * 24 * time.Hour
)

// Fingerprint describes the client a session was issued to. IP and user agent
// are advisory; DeviceID selects which session row a login replaces.
type Fingerprint struct {
	IP        string
	UserAgent string
	DeviceID  string
}

type SessionPolicy struct {
	IdleTimeout time.Duration
	RememberTTL time.Duration
}

type SessionView struct {
	ID             uint      `json:"id"`
	IP             string    `json:"ip"`
	UserAgent      string    `json:"user_agent"`
	Remember       bool      `json:"remember"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IsCurrent      bool      `json:"is_current"`
}

type SessionManager struct {
	sessions   repository.SessionRepository
	principals repository.PrincipalRepository
	pepper     string
	policy     SessionPolicy
	clock      TimeProvider
	logger     *slog.Logger
}

func NewSessionManager(
	sessions repository.SessionRepository,
	principals repository.PrincipalRepository,
	pepper string,
	policy SessionPolicy,
	clock TimeProvider,
	logger *slog.Logger,
) *SessionManager {
	if policy.IdleTimeout <= 0 {
		policy.IdleTimeout = DefaultIdleTimeout
	}
	if policy.RememberTTL <= 0 {
		policy.RememberTTL = DefaultRememberTTL
	}
	if clock == nil {
		clock = RealTimeProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{sessions: sessions, principals: principals, pepper: pepper, policy: policy, clock: clock, logger: logger}
}

// Issue creates a session for principalID and returns it with the raw token.
// The raw token is never stored.
func (m *SessionManager) Issue(ctx context.Context, principalID uint, fp Fingerprint, remember bool) (*domain.Session, string, error) {
	token, err := security.NewOpaqueToken()
	if err != nil {
		return nil, "", err
	}
	now := m.clock.Now().UTC()
	ttl := m.policy.IdleTimeout
	if remember {
		ttl = m.policy.RememberTTL
	}
	s := &domain.Session{
		PrincipalID:    principalID,
		DeviceKey:      security.DeviceKey(fp.DeviceID, fp.UserAgent),
		TokenHash:      security.HashToken(token, m.pepper),
		UserAgent:      truncate(fp.UserAgent, 512),
		IP:             truncate(fp.IP, 64),
		Remember:       remember,
		LastActivityAt: now,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.sessions.Upsert(ctx, s); err != nil {
		return nil, "", storageErr("issue session", err)
	}
	return s, token, nil
}

// Validate resolves token to its live session and owning principal. Every
// rejection is ErrUnauthenticated; the precise reason is only logged.
func (m *SessionManager) Validate(ctx context.Context, token string) (*domain.Principal, *domain.Session, error) {
	reject := func(reason string) (*domain.Principal, *domain.Session, error) {
		m.logger.DebugContext(ctx, "session rejected", "reason", reason)
		observability.RecordSessionValidation(ctx, reason, "token")
		return nil, nil, ErrUnauthenticated
	}
	if !security.WellFormedToken(token) {
		return reject("malformed")
	}
	s, err := m.sessions.FindByTokenHash(ctx, security.HashToken(token, m.pepper))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return reject("not_found")
		}
		observability.RecordSessionValidation(ctx, "error", "token")
		return nil, nil, storageErr("find session", err)
	}
	now := m.clock.Now()
	if s.RevokedAt != nil {
		return reject("revoked")
	}
	if !s.Live(now) {
		return reject("expired")
	}
	p, err := m.principals.FindActiveByID(ctx, s.PrincipalID)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return reject("principal_inactive")
		}
		observability.RecordSessionValidation(ctx, "error", "token")
		return nil, nil, storageErr("find session principal", err)
	}
	observability.RecordSessionValidation(ctx, "valid", "token")
	return p, s, nil
}

// Touch records activity. Idle sessions slide their expiry; remembered
// sessions keep their absolute expiry. A session that lapsed or was revoked
// in the meantime yields ErrUnauthenticated.
func (m *SessionManager) Touch(ctx context.Context, token string) error {
	if !security.WellFormedToken(token) {
		return ErrUnauthenticated
	}
	hash := security.HashToken(token, m.pepper)
	s, err := m.sessions.FindByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrUnauthenticated
		}
		return storageErr("find session", err)
	}
	return m.touch(ctx, s)
}

func (m *SessionManager) touch(ctx context.Context, s *domain.Session) error {
	now := m.clock.Now().UTC()
	expiresAt := s.ExpiresAt
	if !s.Remember {
		expiresAt = now.Add(m.policy.IdleTimeout)
	}
	ok, err := m.sessions.Touch(ctx, s.TokenHash, now, expiresAt)
	if err != nil {
		return storageErr("touch session", err)
	}
	if !ok {
		return ErrUnauthenticated
	}
	s.LastActivityAt = now
	s.ExpiresAt = expiresAt
	return nil
}

// Rotate replaces token with a fresh one on the same session. The old token
// stops working immediately; a token that is no longer live, or that lost a
// race with another rotation, yields ErrUnauthenticated.
func (m *SessionManager) Rotate(ctx context.Context, token string) (*domain.Session, string, error) {
	if !security.WellFormedToken(token) {
		return nil, "", ErrUnauthenticated
	}
	oldHash := security.HashToken(token, m.pepper)
	s, err := m.sessions.FindByTokenHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, "", ErrUnauthenticated
		}
		return nil, "", storageErr("find session", err)
	}
	now := m.clock.Now().UTC()
	if s.RevokedAt != nil || !s.Live(now) {
		return nil, "", ErrUnauthenticated
	}

	fresh, err := security.NewOpaqueToken()
	if err != nil {
		return nil, "", err
	}
	newHash := security.HashToken(fresh, m.pepper)
	expiresAt := s.ExpiresAt
	if !s.Remember {
		expiresAt = now.Add(m.policy.IdleTimeout)
	}
	ok, err := m.sessions.Rotate(ctx, oldHash, newHash, now, expiresAt)
	if err != nil {
		return nil, "", storageErr("rotate session", err)
	}
	if !ok {
		return nil, "", ErrUnauthenticated
	}
	s.TokenHash = newHash
	s.LastActivityAt = now
	s.ExpiresAt = expiresAt
	return s, fresh, nil
}

// Revoke is idempotent: unknown or already revoked tokens succeed.
func (m *SessionManager) Revoke(ctx context.Context, token, reason string) error {
	if !security.WellFormedToken(token) {
		return nil
	}
	if _, err := m.sessions.RevokeByTokenHash(ctx, security.HashToken(token, m.pepper), reason, m.clock.Now()); err != nil {
		return storageErr("revoke session", err)
	}
	return nil
}

func (m *SessionManager) RevokeAll(ctx context.Context, principalID uint, reason string) (int64, error) {
	n, err := m.sessions.RevokeByPrincipal(ctx, principalID, reason, m.clock.Now())
	if err != nil {
		return n, storageErr("revoke principal sessions", err)
	}
	return n, nil
}

func (m *SessionManager) List(ctx context.Context, principalID uint, currentToken string) ([]SessionView, error) {
	sessions, err := m.sessions.ListActiveByPrincipal(ctx, principalID, m.clock.Now())
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	current := ""
	if currentToken != "" {
		current = security.HashToken(currentToken, m.pepper)
	}
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{
			ID:             s.ID,
			IP:             s.IP,
			UserAgent:      s.UserAgent,
			Remember:       s.Remember,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			IsCurrent:      current != "" && s.TokenHash == current,
		})
	}
	return views, nil
}

// Sweep purges expired and revoked sessions. It is safe alongside Validate: a
// row removed mid-validation reads as not found.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpired(ctx, m.clock.Now())
	if err != nil {
		return n, storageErr("sweep sessions", err)
	}
	observability.RecordSessionSweep(ctx, n)
	return n, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
