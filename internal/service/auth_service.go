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

const DefaultVerificationTTL = 24 * time.Hour

type AuthSettings struct {
	TokenPepper     string
	VerificationTTL time.Duration
	Lockout         domain.LockoutPolicy
}

type RegisterResult struct {
	PrincipalID       uint      `json:"principal_id"`
	VerificationToken string    `json:"-"`
	ExpiresAt         time.Time `json:"verification_expires_at"`
}

type LoginInput struct {
	Email       string
	Password    string
	Remember    bool
	Fingerprint Fingerprint
}

// PasswordHasher is satisfied by security.PasswordHasher.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
	CompareDummy(password string)
}

type LoginResult struct {
	Token     string
	Session   *domain.Session
	Principal *domain.Principal
}

// AuthService is the entry point for registration, login, session checks and
// relationship access decisions.
type AuthService struct {
	principals repository.PrincipalRepository
	tokens     repository.VerificationTokenRepository
	uow        repository.UnitOfWork
	sessions   *SessionManager
	access     *AccessService
	hasher     PasswordHasher
	sender     VerificationSender
	settings   AuthSettings
	clock      TimeProvider
	logger     *slog.Logger
}

func NewAuthService(
	principals repository.PrincipalRepository,
	tokens repository.VerificationTokenRepository,
	uow repository.UnitOfWork,
	sessions *SessionManager,
	access *AccessService,
	hasher PasswordHasher,
	sender VerificationSender,
	settings AuthSettings,
	clock TimeProvider,
	logger *slog.Logger,
) *AuthService {
	if settings.VerificationTTL <= 0 {
		settings.VerificationTTL = DefaultVerificationTTL
	}
	if settings.Lockout.Threshold <= 0 || settings.Lockout.Duration <= 0 {
		settings.Lockout = domain.DefaultLockoutPolicy()
	}
	if clock == nil {
		clock = RealTimeProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		sender = NewLogVerificationSender(logger)
	}
	return &AuthService{
		principals: principals,
		tokens:     tokens,
		uow:        uow,
		sessions:   sessions,
		access:     access,
		hasher:     hasher,
		sender:     sender,
		settings:   settings,
		clock:      clock,
		logger:     logger,
	}
}

// Register creates an unverified principal and its verification token in one
// transaction. The token is handed to the VerificationSender after commit.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	ctx, span := observability.StartSpan(ctx, "auth.register")
	defer span.End()

	in = in.normalized()
	if err := in.Validate(); err != nil {
		observability.RecordAuthRegister(ctx, "invalid")
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		observability.RecordAuthRegister(ctx, "error")
		return nil, err
	}
	token, err := security.NewOpaqueToken()
	if err != nil {
		observability.RecordAuthRegister(ctx, "error")
		return nil, err
	}
	now := s.clock.Now()
	expiresAt := now.Add(s.settings.VerificationTTL)

	var principal *domain.Principal
	err = s.uow.WithinTransaction(ctx, func(repos repository.Repositories) error {
		if taken, err := repos.Principals.ExistsByEmail(ctx, in.Email); err != nil {
			return storageErr("check email", err)
		} else if taken {
			return &ConflictError{Field: "email"}
		}
		if taken, err := repos.Principals.ExistsByUsername(ctx, in.Username); err != nil {
			return storageErr("check username", err)
		} else if taken {
			return &ConflictError{Field: "username"}
		}
		p := &domain.Principal{
			Email:        in.Email,
			Username:     in.Username,
			PasswordHash: hash,
			FirstName:    in.FirstName,
			LastName:     in.LastName,
			Role:         domain.Role(in.Role),
		}
		if err := repos.Principals.Create(ctx, p); err != nil {
			var dup *repository.DuplicateError
			if errors.As(err, &dup) {
				return &ConflictError{Field: conflictField(dup.Field)}
			}
			return storageErr("create principal", err)
		}
		if err := repos.Tokens.Create(ctx, &domain.VerificationToken{
			PrincipalID: p.ID,
			TokenHash:   security.HashToken(token, s.settings.TokenPepper),
			Purpose:     domain.PurposeEmailVerification,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
		}); err != nil {
			return storageErr("create verification token", err)
		}
		principal = p
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.logger.InfoContext(ctx, "registration rejected", "reason", "conflict", "field", conflict.Field)
			observability.RecordAuthRegister(ctx, "conflict")
		} else {
			observability.RecordAuthRegister(ctx, "error")
		}
		return nil, err
	}

	observability.RecordAuthRegister(ctx, "success")
	observability.AuditEvent(ctx, "auth.register", "principal_id", principal.ID, "role", principal.Role)
	if err := s.sender.SendVerification(ctx, principal, token, expiresAt); err != nil {
		s.logger.WarnContext(ctx, "verification delivery failed", "principal_id", principal.ID, "error", err)
	}
	return &RegisterResult{PrincipalID: principal.ID, VerificationToken: token, ExpiresAt: expiresAt}, nil
}

// VerifyEmail consumes a verification token and marks its principal verified.
// A token that was used is reported as used even when it has also expired.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	ctx, span := observability.StartSpan(ctx, "auth.verify_email")
	defer span.End()

	if !security.WellFormedToken(token) {
		observability.RecordAuthVerify(ctx, "not_found")
		return ErrTokenNotFound
	}
	hash := security.HashToken(token, s.settings.TokenPepper)
	var principalID uint
	err := s.uow.WithinTransaction(ctx, func(repos repository.Repositories) error {
		vt, err := repos.Tokens.FindByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, repository.ErrVerificationTokenNotFound) {
				return ErrTokenNotFound
			}
			return storageErr("find verification token", err)
		}
		if vt.Purpose != domain.PurposeEmailVerification {
			return ErrTokenNotFound
		}
		if vt.Used() {
			return ErrTokenAlreadyUsed
		}
		now := s.clock.Now()
		if vt.Expired(now) {
			return ErrTokenExpired
		}
		consumed, err := repos.Tokens.MarkUsed(ctx, vt.ID, now)
		if err != nil {
			return storageErr("consume verification token", err)
		}
		if !consumed {
			return ErrTokenAlreadyUsed
		}
		if err := repos.Principals.MarkVerified(ctx, vt.PrincipalID, now); err != nil {
			if errors.Is(err, repository.ErrPrincipalNotFound) {
				return ErrTokenNotFound
			}
			return storageErr("mark principal verified", err)
		}
		principalID = vt.PrincipalID
		return nil
	})
	if err != nil {
		observability.RecordAuthVerify(ctx, verifyOutcome(err))
		return err
	}
	observability.RecordAuthVerify(ctx, "success")
	observability.AuditEvent(ctx, "auth.verify", "principal_id", principalID)
	return nil
}

// ResendVerification replaces any outstanding verification token. It reports
// nothing about whether the address belongs to an account.
func (s *AuthService) ResendVerification(ctx context.Context, email string) error {
	p, err := s.principals.FindActiveByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			s.logger.DebugContext(ctx, "verification resend skipped", "reason", "not_found")
			return nil
		}
		return storageErr("find principal", err)
	}
	if p.Verified() {
		s.logger.DebugContext(ctx, "verification resend skipped", "reason", "already_verified", "principal_id", p.ID)
		return nil
	}
	token, err := security.NewOpaqueToken()
	if err != nil {
		return err
	}
	now := s.clock.Now()
	expiresAt := now.Add(s.settings.VerificationTTL)
	err = s.uow.WithinTransaction(ctx, func(repos repository.Repositories) error {
		if _, err := repos.Tokens.InvalidateOutstanding(ctx, p.ID, domain.PurposeEmailVerification, now); err != nil {
			return storageErr("invalidate verification tokens", err)
		}
		if err := repos.Tokens.Create(ctx, &domain.VerificationToken{
			PrincipalID: p.ID,
			TokenHash:   security.HashToken(token, s.settings.TokenPepper),
			Purpose:     domain.PurposeEmailVerification,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
		}); err != nil {
			return storageErr("create verification token", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.sender.SendVerification(ctx, p, token, expiresAt); err != nil {
		s.logger.WarnContext(ctx, "verification delivery failed", "principal_id", p.ID, "error", err)
	}
	return nil
}

// Login authenticates a principal and issues a session. Unknown email,
// password mismatch and unverified accounts are all ErrInvalidCredentials to
// the caller; only a lock is reported as such. Every attempt reserves a slot
// on the failure counter before the password is compared, so a lock set by a
// concurrent failure holds for requests already in flight.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx, span := observability.StartSpan(ctx, "auth.login")
	defer span.End()

	p, err := s.principals.FindActiveByEmail(ctx, domain.NormalizeEmail(in.Email))
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			s.hasher.CompareDummy(in.Password)
			return nil, s.rejectLogin(ctx, "not_found", 0, ErrInvalidCredentials)
		}
		observability.RecordAuthLogin(ctx, "error")
		return nil, storageErr("find principal", err)
	}

	now := s.clock.Now()
	reserved, err := s.principals.ReserveAttempt(ctx, p.ID, s.settings.Lockout, now)
	if err != nil {
		return nil, s.loginLockoutErr(ctx, p.ID, reserved, "reserve attempt", err)
	}

	if err := s.hasher.Compare(p.PasswordHash, in.Password); err != nil {
		if reserved.IsLocked(now) {
			s.logger.WarnContext(ctx, "principal locked", "principal_id", p.ID, "locked_until", reserved.LockedUntil)
			observability.AuditEvent(ctx, "auth.lockout", "principal_id", p.ID)
		}
		return nil, s.rejectLogin(ctx, "password_mismatch", p.ID, ErrInvalidCredentials)
	}

	if !p.Verified() {
		if err := s.principals.ReleaseAttempt(ctx, p.ID, reserved, now); err != nil {
			s.logger.WarnContext(ctx, "release login attempt failed", "principal_id", p.ID, "error", err)
		}
		return nil, s.rejectLogin(ctx, "unverified", p.ID, ErrUnverified)
	}

	if state, err := s.principals.CompleteLogin(ctx, p.ID, reserved, now, now); err != nil {
		return nil, s.loginLockoutErr(ctx, p.ID, state, "complete login", err)
	}
	p.FailedAttempts = 0
	p.LockedUntil = nil
	p.LastLoginAt = &now

	session, token, err := s.sessions.Issue(ctx, p.ID, in.Fingerprint, in.Remember)
	if err != nil {
		observability.RecordAuthLogin(ctx, "error")
		return nil, err
	}
	observability.RecordAuthLogin(ctx, "success")
	observability.AuditEvent(ctx, "auth.login", "principal_id", p.ID, "session_id", session.ID, "remember", in.Remember)
	return &LoginResult{Token: token, Session: session, Principal: p}, nil
}

func (s *AuthService) loginLockoutErr(ctx context.Context, principalID uint, state domain.LockoutState, op string, err error) error {
	if errors.Is(err, repository.ErrPrincipalLocked) && state.LockedUntil != nil {
		return s.rejectLogin(ctx, "locked", principalID, &LockedError{Until: state.LockedUntil.UTC()})
	}
	observability.RecordAuthLogin(ctx, "error")
	return storageErr(op, err)
}

func (s *AuthService) rejectLogin(ctx context.Context, reason string, principalID uint, err error) error {
	s.logger.InfoContext(ctx, "login rejected", "reason", reason, "principal_id", principalID)
	observability.RecordAuthLogin(ctx, reason)
	return err
}

func (s *AuthService) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Revoke(ctx, token, "logout"); err != nil {
		observability.RecordAuthLogout(ctx, "error")
		return err
	}
	observability.RecordAuthLogout(ctx, "success")
	return nil
}

// ValidateSession resolves a live session and records the activity.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (*domain.Principal, *domain.Session, error) {
	p, session, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if err := s.sessions.touch(ctx, session); err != nil {
		return nil, nil, err
	}
	return p, session, nil
}

// RefreshSession swaps the caller's token for a new one on the same session.
func (s *AuthService) RefreshSession(ctx context.Context, token string) (*LoginResult, error) {
	p, _, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	session, fresh, err := s.sessions.Rotate(ctx, token)
	if err != nil {
		return nil, err
	}
	observability.AuditEvent(ctx, "auth.session_refresh", "principal_id", p.ID, "session_id", session.ID)
	return &LoginResult{Token: fresh, Session: session, Principal: p}, nil
}

func (s *AuthService) RevokeAllSessions(ctx context.Context, principalID uint) (int64, error) {
	n, err := s.sessions.RevokeAll(ctx, principalID, "logout_all")
	if err != nil {
		return n, err
	}
	observability.AuditEvent(ctx, "auth.logout_all", "principal_id", principalID, "revoked", n)
	return n, nil
}

func (s *AuthService) ListSessions(ctx context.Context, principalID uint, currentToken string) ([]SessionView, error) {
	return s.sessions.List(ctx, principalID, currentToken)
}

// CheckAccess fails closed: a storage error denies.
func (s *AuthService) CheckAccess(ctx context.Context, principal *domain.Principal, ownerID uint) bool {
	allowed, err := s.access.CanAccess(ctx, principal, ownerID)
	if err != nil {
		s.logger.ErrorContext(ctx, "access check failed", "owner_id", ownerID, "error", err)
		return false
	}
	return allowed
}

func (s *AuthService) CheckAccessAtLevel(ctx context.Context, principal *domain.Principal, ownerID uint, level domain.AccessLevel) bool {
	allowed, err := s.access.CanAccessAtLevel(ctx, principal, ownerID, level)
	if err != nil {
		s.logger.ErrorContext(ctx, "access check failed", "owner_id", ownerID, "error", err)
		return false
	}
	return allowed
}

func (s *AuthService) GrantCaregiverAccess(ctx context.Context, actor *domain.Principal, in GrantProposal) (*domain.CaregiverGrant, error) {
	return s.access.Propose(ctx, actor, in)
}

func (s *AuthService) AcceptGrant(ctx context.Context, actor *domain.Principal, grantID uint) (*domain.CaregiverGrant, error) {
	return s.access.Accept(ctx, actor, grantID)
}

func (s *AuthService) RevokeGrant(ctx context.Context, actor *domain.Principal, grantID uint) (*domain.CaregiverGrant, error) {
	return s.access.Revoke(ctx, actor, grantID)
}

func (s *AuthService) ListGrants(ctx context.Context, principalID uint, page repository.PageRequest) (repository.PageResult[domain.CaregiverGrant], error) {
	return s.access.ListForPrincipal(ctx, principalID, page)
}

// DeactivatePrincipal soft deletes a principal and revokes its sessions.
func (s *AuthService) DeactivatePrincipal(ctx context.Context, actor *domain.Principal, principalID uint) error {
	if actor == nil || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return s.deactivate(ctx, principalID, actor.ID)
}

// DeactivatePrincipalAsSystem is DeactivatePrincipal for operator tooling.
func (s *AuthService) DeactivatePrincipalAsSystem(ctx context.Context, principalID uint) error {
	return s.deactivate(ctx, principalID, 0)
}

func (s *AuthService) deactivate(ctx context.Context, principalID, actorID uint) error {
	if err := s.principals.SoftDelete(ctx, principalID); err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return ErrPrincipalNotFound
		}
		return storageErr("deactivate principal", err)
	}
	n, err := s.sessions.RevokeAll(ctx, principalID, "principal_deactivated")
	if err != nil {
		return err
	}
	observability.AuditEvent(ctx, "principal.deactivated", "principal_id", principalID, "actor_id", actorID, "sessions_revoked", n)
	return nil
}

// UnlockPrincipal clears the failed attempt counter and any active lock.
func (s *AuthService) UnlockPrincipal(ctx context.Context, actor *domain.Principal, principalID uint) error {
	if actor == nil || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return s.unlock(ctx, principalID, actor.ID)
}

func (s *AuthService) UnlockPrincipalAsSystem(ctx context.Context, principalID uint) error {
	return s.unlock(ctx, principalID, 0)
}

func (s *AuthService) unlock(ctx context.Context, principalID, actorID uint) error {
	if err := s.principals.ResetAttempts(ctx, principalID, nil); err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return ErrPrincipalNotFound
		}
		return storageErr("unlock principal", err)
	}
	observability.AuditEvent(ctx, "principal.unlocked", "principal_id", principalID, "actor_id", actorID)
	return nil
}

func (s *AuthService) SweepSessions(ctx context.Context) (int64, error) {
	return s.sessions.Sweep(ctx)
}

func conflictField(field string) string {
	switch field {
	case "email", "username":
		return field
	default:
		return "email"
	}
}

func verifyOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenAlreadyUsed):
		return "already_used"
	default:
		return "error"
	}
}
