package service

import (
	"context"
	"errors"
	"testing"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/repository"
)

type accessFixture struct {
	st        *testStack
	admin     *domain.Principal
	patient   *domain.Principal
	other     *domain.Principal
	caregiver *domain.Principal
	stranger  *domain.Principal
}

func newAccessFixture(t *testing.T) *accessFixture {
	t.Helper()
	st := newTestStack(t)
	return &accessFixture{
		st:        st,
		admin:     st.createPrincipal(t, "admin", domain.RoleAdmin, true),
		patient:   st.createPrincipal(t, "patient", domain.RolePatient, true),
		other:     st.createPrincipal(t, "other", domain.RolePatient, true),
		caregiver: st.createPrincipal(t, "carer", domain.RoleCaregiver, true),
		stranger:  st.createPrincipal(t, "stranger", domain.RoleCaregiver, true),
	}
}

func (f *accessFixture) activeGrant(t *testing.T, level domain.AccessLevel) *domain.CaregiverGrant {
	t.Helper()
	g, err := f.st.auth.GrantCaregiverAccess(t.Context(), f.patient, GrantProposal{
		PatientID:   f.patient.ID,
		CaregiverID: f.caregiver.ID,
		AccessLevel: level,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := f.st.auth.AcceptGrant(t.Context(), f.caregiver, g.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return g
}

func TestCanAccessRules(t *testing.T) {
	f := newAccessFixture(t)
	f.activeGrant(t, domain.AccessMedium)

	tests := []struct {
		name    string
		actor   *domain.Principal
		owner   uint
		allowed bool
	}{
		{name: "self", actor: f.patient, owner: f.patient.ID, allowed: true},
		{name: "admin", actor: f.admin, owner: f.other.ID, allowed: true},
		{name: "caregiver with active grant", actor: f.caregiver, owner: f.patient.ID, allowed: true},
		{name: "caregiver for another patient", actor: f.caregiver, owner: f.other.ID, allowed: false},
		{name: "caregiver without grant", actor: f.stranger, owner: f.patient.ID, allowed: false},
		{name: "patient for another patient", actor: f.other, owner: f.patient.ID, allowed: false},
		{name: "nil principal", actor: nil, owner: f.patient.ID, allowed: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.st.auth.CheckAccess(t.Context(), tc.actor, tc.owner); got != tc.allowed {
				t.Fatalf("CheckAccess = %v, want %v", got, tc.allowed)
			}
		})
	}

	if !f.st.auth.CheckAccessAtLevel(t.Context(), f.caregiver, f.patient.ID, domain.AccessLow) {
		t.Fatalf("medium grant should satisfy low")
	}
	if f.st.auth.CheckAccessAtLevel(t.Context(), f.caregiver, f.patient.ID, domain.AccessHigh) {
		t.Fatalf("medium grant must not satisfy high")
	}
}

func TestPendingGrantDoesNotAuthorize(t *testing.T) {
	f := newAccessFixture(t)
	if _, err := f.st.auth.GrantCaregiverAccess(t.Context(), f.patient, GrantProposal{
		PatientID:   f.patient.ID,
		CaregiverID: f.caregiver.ID,
		AccessLevel: domain.AccessHigh,
	}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if f.st.auth.CheckAccess(t.Context(), f.caregiver, f.patient.ID) {
		t.Fatalf("pending grant must not authorize")
	}
}

func TestRevokedGrantDeniesOpenSessionImmediately(t *testing.T) {
	f := newAccessFixture(t)
	g := f.activeGrant(t, domain.AccessHigh)
	login := f.st.login(t, f.caregiver.Email, false)

	actor, _, err := f.st.auth.ValidateSession(t.Context(), login.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !f.st.auth.CheckAccess(t.Context(), actor, f.patient.ID) {
		t.Fatalf("expected access before revocation")
	}

	if _, err := f.st.auth.RevokeGrant(t.Context(), f.patient, g.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	actor, _, err = f.st.auth.ValidateSession(t.Context(), login.Token)
	if err != nil {
		t.Fatalf("session itself must survive grant revocation: %v", err)
	}
	if f.st.auth.CheckAccess(t.Context(), actor, f.patient.ID) {
		t.Fatalf("revoked grant must deny on the next check")
	}
}

func TestGrantLifecycleGuards(t *testing.T) {
	f := newAccessFixture(t)
	ctx := t.Context()
	proposal := GrantProposal{PatientID: f.patient.ID, CaregiverID: f.caregiver.ID, AccessLevel: domain.AccessLow, RelationshipType: "daughter"}

	if _, err := f.st.auth.GrantCaregiverAccess(ctx, f.other, proposal); !errors.Is(err, ErrForbidden) {
		t.Fatalf("another patient proposing: got %v", err)
	}
	bad := proposal
	bad.CaregiverID = f.other.ID
	var verr *ValidationError
	if _, err := f.st.auth.GrantCaregiverAccess(ctx, f.patient, bad); !errors.As(err, &verr) {
		t.Fatalf("caregiver id naming a patient: got %v", err)
	}

	g, err := f.st.auth.GrantCaregiverAccess(ctx, f.patient, proposal)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if g.Status != domain.GrantPending || g.ProposedBy != f.patient.ID {
		t.Fatalf("unexpected grant: %+v", g)
	}
	if _, err := f.st.auth.GrantCaregiverAccess(ctx, f.admin, proposal); !errors.Is(err, ErrGrantConflict) {
		t.Fatalf("second open proposal: got %v", err)
	}

	if _, err := f.st.auth.AcceptGrant(ctx, f.stranger, g.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("wrong caregiver accepting: got %v", err)
	}
	accepted, err := f.st.auth.AcceptGrant(ctx, f.caregiver, g.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.GrantActive || accepted.AcceptedAt == nil {
		t.Fatalf("unexpected accepted grant: %+v", accepted)
	}
	if _, err := f.st.auth.AcceptGrant(ctx, f.caregiver, g.ID); !errors.Is(err, ErrInvalidGrantTransition) {
		t.Fatalf("accepting twice: got %v", err)
	}

	if _, err := f.st.auth.RevokeGrant(ctx, f.caregiver, g.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("caregiver revoking: got %v", err)
	}
	revoked, err := f.st.auth.RevokeGrant(ctx, f.admin, g.ID)
	if err != nil {
		t.Fatalf("admin revoke: %v", err)
	}
	if revoked.RevokedBy == nil || *revoked.RevokedBy != f.admin.ID {
		t.Fatalf("expected revoker recorded, got %+v", revoked)
	}
	if _, err := f.st.auth.RevokeGrant(ctx, f.admin, g.ID); !errors.Is(err, ErrInvalidGrantTransition) {
		t.Fatalf("revoking twice: got %v", err)
	}
	if _, err := f.st.auth.AcceptGrant(ctx, f.caregiver, 9999); !errors.Is(err, ErrGrantNotFound) {
		t.Fatalf("unknown grant: got %v", err)
	}

	again, err := f.st.auth.GrantCaregiverAccess(ctx, f.patient, proposal)
	if err != nil {
		t.Fatalf("re-propose after revoke: %v", err)
	}
	page, err := f.st.auth.ListGrants(ctx, f.patient.ID, repository.PageRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("expected both grants listed, got %+v", page)
	}
	if again.ID == g.ID {
		t.Fatalf("expected a fresh grant row")
	}
}

type failingGrantRepository struct {
	repository.GrantRepository
}

func (failingGrantRepository) FindActiveForPair(context.Context, uint, uint) (*domain.CaregiverGrant, error) {
	return nil, errors.New("connection reset")
}

func TestCheckAccessFailsClosedOnStorageError(t *testing.T) {
	st := newTestStack(t)
	caregiver := st.createPrincipal(t, "carer", domain.RoleCaregiver, true)
	access := NewAccessService(failingGrantRepository{}, st.principals, repository.NewUnitOfWork(st.db), st.clock, nil)

	allowed, err := access.CanAccess(t.Context(), caregiver, caregiver.ID+1)
	if allowed || !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error and deny, got allowed=%v err=%v", allowed, err)
	}

	auth := NewAuthService(st.principals, nil, nil, st.sessions, access, st.hasher, nil, AuthSettings{}, st.clock, nil)
	if auth.CheckAccess(t.Context(), caregiver, caregiver.ID+1) {
		t.Fatalf("facade must deny when the grant lookup fails")
	}
}
