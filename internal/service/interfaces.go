package service

import (
	"context"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/repository"
)

type AuthServiceInterface interface {
	Register(ctx context.Context, in RegisterInput) (*RegisterResult, error)
	VerifyEmail(ctx context.Context, token string) error
	ResendVerification(ctx context.Context, email string) error
	Login(ctx context.Context, in LoginInput) (*LoginResult, error)
	Logout(ctx context.Context, token string) error
	RefreshSession(ctx context.Context, token string) (*LoginResult, error)
	ValidateSession(ctx context.Context, token string) (*domain.Principal, *domain.Session, error)
	RevokeAllSessions(ctx context.Context, principalID uint) (int64, error)
	ListSessions(ctx context.Context, principalID uint, currentToken string) ([]SessionView, error)
}

type AccessServiceInterface interface {
	CheckAccess(ctx context.Context, principal *domain.Principal, ownerID uint) bool
	CheckAccessAtLevel(ctx context.Context, principal *domain.Principal, ownerID uint, level domain.AccessLevel) bool
	GrantCaregiverAccess(ctx context.Context, actor *domain.Principal, in GrantProposal) (*domain.CaregiverGrant, error)
	AcceptGrant(ctx context.Context, actor *domain.Principal, grantID uint) (*domain.CaregiverGrant, error)
	RevokeGrant(ctx context.Context, actor *domain.Principal, grantID uint) (*domain.CaregiverGrant, error)
	ListGrants(ctx context.Context, principalID uint, page repository.PageRequest) (repository.PageResult[domain.CaregiverGrant], error)
}

type AdminServiceInterface interface {
	DeactivatePrincipal(ctx context.Context, actor *domain.Principal, principalID uint) error
	UnlockPrincipal(ctx context.Context, actor *domain.Principal, principalID uint) error
}

var (
	_ AuthServiceInterface   = (*AuthService)(nil)
	_ AccessServiceInterface = (*AuthService)(nil)
	_ AdminServiceInterface  = (*AuthService)(nil)
)
