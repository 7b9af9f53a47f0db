package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/observability"
	"github.com/myeline/careauth/internal/repository"
)

// AccessService decides whether a principal may act on another principal's
// data and manages the caregiver grants behind that decision. Decisions read
// the grant table on every call so revocation takes effect immediately.
type AccessService struct {
	grants     repository.GrantRepository
	principals repository.PrincipalRepository
	uow        repository.UnitOfWork
	clock      TimeProvider
	logger     *slog.Logger
}

func NewAccessService(
	grants repository.GrantRepository,
	principals repository.PrincipalRepository,
	uow repository.UnitOfWork,
	clock TimeProvider,
	logger *slog.Logger,
) *AccessService {
	if clock == nil {
		clock = RealTimeProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessService{grants: grants, principals: principals, uow: uow, clock: clock, logger: logger}
}

type GrantProposal struct {
	PatientID        uint
	CaregiverID      uint
	AccessLevel      domain.AccessLevel
	RelationshipType string
}

// CanAccess applies self, admin, then active caregiver grant. Anything else is denied.
func (s *AccessService) CanAccess(ctx context.Context, principal *domain.Principal, ownerID uint) (bool, error) {
	return s.CanAccessAtLevel(ctx, principal, ownerID, "")
}

// CanAccessAtLevel is CanAccess with a minimum grant level for the caregiver
// rule. An empty level accepts any active grant.
func (s *AccessService) CanAccessAtLevel(ctx context.Context, principal *domain.Principal, ownerID uint, minLevel domain.AccessLevel) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "access.check")
	defer span.End()

	if principal == nil || ownerID == 0 {
		observability.RecordAccessCheck(ctx, "invalid", false)
		return false, nil
	}
	if principal.ID == ownerID {
		observability.RecordAccessCheck(ctx, "self", true)
		return true, nil
	}
	if principal.Role == domain.RoleAdmin {
		observability.RecordAccessCheck(ctx, "admin", true)
		return true, nil
	}
	if principal.Role != domain.RoleCaregiver {
		observability.RecordAccessCheck(ctx, "deny", false)
		return false, nil
	}
	grant, err := s.grants.FindActiveForPair(ctx, principal.ID, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrGrantNotFound) {
			observability.RecordAccessCheck(ctx, "deny", false)
			return false, nil
		}
		observability.RecordAccessCheck(ctx, "error", false)
		return false, storageErr("find active grant", err)
	}
	allowed := grant.Authoritative() && (minLevel == "" || grant.AccessLevel.Rank() >= minLevel.Rank())
	observability.RecordAccessCheck(ctx, "caregiver_grant", allowed)
	return allowed, nil
}

// Propose opens a pending grant. Only the patient or an admin may propose, and
// no other pending or active grant may exist for the pair.
func (s *AccessService) Propose(ctx context.Context, actor *domain.Principal, in GrantProposal) (*domain.CaregiverGrant, error) {
	if actor == nil {
		return nil, ErrUnauthenticated
	}
	verr := &ValidationError{}
	if in.PatientID == 0 {
		verr.add("patient_id", "is required")
	}
	if in.CaregiverID == 0 {
		verr.add("caregiver_id", "is required")
	}
	if in.PatientID != 0 && in.PatientID == in.CaregiverID {
		verr.add("caregiver_id", "must differ from patient_id")
	}
	if !in.AccessLevel.Valid() {
		verr.add("access_level", "must be one of low, medium, high")
	}
	in.RelationshipType = strings.TrimSpace(in.RelationshipType)
	if len(in.RelationshipType) > 50 {
		verr.add("relationship_type", "must be at most 50 characters")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	if actor.ID != in.PatientID && actor.Role != domain.RoleAdmin {
		observability.RecordGrantMutation(ctx, "propose", "forbidden")
		return nil, ErrForbidden
	}

	var grant *domain.CaregiverGrant
	err := s.uow.WithinTransaction(ctx, func(repos repository.Repositories) error {
		if err := s.requireRole(ctx, repos.Principals, in.PatientID, domain.RolePatient, "patient_id"); err != nil {
			return err
		}
		if err := s.requireRole(ctx, repos.Principals, in.CaregiverID, domain.RoleCaregiver, "caregiver_id"); err != nil {
			return err
		}
		if _, err := repos.Grants.FindOpenForPair(ctx, in.CaregiverID, in.PatientID); err == nil {
			return ErrGrantConflict
		} else if !errors.Is(err, repository.ErrGrantNotFound) {
			return storageErr("find open grant", err)
		}
		grant = &domain.CaregiverGrant{
			CaregiverID:      in.CaregiverID,
			PatientID:        in.PatientID,
			AccessLevel:      in.AccessLevel,
			RelationshipType: in.RelationshipType,
			Status:           domain.GrantPending,
			ProposedBy:       actor.ID,
		}
		if err := repos.Grants.Create(ctx, grant); err != nil {
			return storageErr("create grant", err)
		}
		return nil
	})
	if err != nil {
		observability.RecordGrantMutation(ctx, "propose", outcomeOf(err))
		return nil, err
	}
	observability.RecordGrantMutation(ctx, "propose", "success")
	observability.AuditEvent(ctx, "grant.proposed", "grant_id", grant.ID, "actor_id", actor.ID, "patient_id", grant.PatientID, "caregiver_id", grant.CaregiverID)
	return grant, nil
}

// Accept activates a pending grant. Only the named caregiver or an admin may
// accept. A concurrent accept or revoke surfaces as ErrInvalidGrantTransition.
func (s *AccessService) Accept(ctx context.Context, actor *domain.Principal, grantID uint) (*domain.CaregiverGrant, error) {
	if actor == nil {
		return nil, ErrUnauthenticated
	}
	var grant *domain.CaregiverGrant
	err := s.uow.WithinTransaction(ctx, func(repos repository.Repositories) error {
		g, err := s.loadForUpdate(ctx, repos.Grants, grantID)
		if err != nil {
			return err
		}
		if actor.ID != g.CaregiverID && actor.Role != domain.RoleAdmin {
			return ErrForbidden
		}
		if g.Status != domain.GrantPending {
			return ErrInvalidGrantTransition
		}
		if _, err := repos.Grants.FindActiveForPair(ctx, g.CaregiverID, g.PatientID); err == nil {
			return ErrGrantConflict
		} else if !errors.Is(err, repository.ErrGrantNotFound) {
			return storageErr("find active grant", err)
		}
		now := s.clock.Now()
		ok, err := repos.Grants.Activate(ctx, g.ID, now)
		if err != nil {
			var dup *repository.DuplicateError
			if errors.As(err, &dup) {
				return ErrGrantConflict
			}
			return storageErr("activate grant", err)
		}
		if !ok {
			return ErrInvalidGrantTransition
		}
		g.Status = domain.GrantActive
		g.AcceptedAt = &now
		grant = g
		return nil
	})
	if err != nil {
		observability.RecordGrantMutation(ctx, "accept", outcomeOf(err))
		return nil, err
	}
	observability.RecordGrantMutation(ctx, "accept", "success")
	observability.AuditEvent(ctx, "grant.accepted", "grant_id", grant.ID, "actor_id", actor.ID)
	return grant, nil
}

// Revoke ends a pending or active grant. Only the patient or an admin may
// revoke. Revoking an already revoked grant is ErrInvalidGrantTransition.
func (s *AccessService) Revoke(ctx context.Context, actor *domain.Principal, grantID uint) (*domain.CaregiverGrant, error) {
	if actor == nil {
		return nil, ErrUnauthenticated
	}
	var grant *domain.CaregiverGrant
	err := s.uow.WithinTransaction(ctx, func(repos repository.Repositories) error {
		g, err := s.loadForUpdate(ctx, repos.Grants, grantID)
		if err != nil {
			return err
		}
		if actor.ID != g.PatientID && actor.Role != domain.RoleAdmin {
			return ErrForbidden
		}
		now := s.clock.Now()
		ok, err := repos.Grants.Revoke(ctx, g.ID, actor.ID, now)
		if err != nil {
			return storageErr("revoke grant", err)
		}
		if !ok {
			return ErrInvalidGrantTransition
		}
		revokedBy := actor.ID
		g.Status = domain.GrantRevoked
		g.RevokedAt = &now
		g.RevokedBy = &revokedBy
		grant = g
		return nil
	})
	if err != nil {
		observability.RecordGrantMutation(ctx, "revoke", outcomeOf(err))
		return nil, err
	}
	observability.RecordGrantMutation(ctx, "revoke", "success")
	observability.AuditEvent(ctx, "grant.revoked", "grant_id", grant.ID, "actor_id", actor.ID)
	return grant, nil
}

func (s *AccessService) ListForPrincipal(ctx context.Context, principalID uint, page repository.PageRequest) (repository.PageResult[domain.CaregiverGrant], error) {
	res, err := s.grants.ListForPrincipal(ctx, principalID, page)
	if err != nil {
		return res, storageErr("list grants", err)
	}
	return res, nil
}

func (s *AccessService) loadForUpdate(ctx context.Context, grants repository.GrantRepository, id uint) (*domain.CaregiverGrant, error) {
	g, err := grants.FindByIDForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrGrantNotFound) {
			return nil, ErrGrantNotFound
		}
		return nil, storageErr("find grant", err)
	}
	return g, nil
}

func (s *AccessService) requireRole(ctx context.Context, principals repository.PrincipalRepository, id uint, role domain.Role, field string) error {
	p, err := principals.FindActiveByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return ErrPrincipalNotFound
		}
		return storageErr("find principal", err)
	}
	if p.Role != role {
		verr := &ValidationError{}
		verr.add(field, "must reference a "+string(role))
		return verr
	}
	return nil
}

func outcomeOf(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrGrantConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidGrantTransition):
		return "invalid_transition"
	case errors.Is(err, ErrGrantNotFound), errors.Is(err, ErrPrincipalNotFound):
		return "not_found"
	case errors.As(err, &verr):
		return "invalid"
	default:
		return "error"
	}
}
