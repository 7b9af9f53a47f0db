package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/myeline/careauth/internal/domain"
)

func TestSessionValidateRejectsUniformly(t *testing.T) {
	st := newTestStack(t)
	p := st.createPrincipal(t, "uniform", domain.RolePatient, true)

	revoked, revokedToken, err := st.sessions.Issue(t.Context(), p.ID, Fingerprint{DeviceID: "a"}, false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if revoked.TokenHash == revokedToken {
		t.Fatalf("raw token must not be stored")
	}
	if err := st.sessions.Revoke(t.Context(), revokedToken, "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, expiredToken, err := st.sessions.Issue(t.Context(), p.ID, Fingerprint{DeviceID: "b"}, false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	st.clock.Advance(DefaultIdleTimeout)

	tests := []struct {
		name  string
		token string
	}{
		{name: "malformed", token: "abc"},
		{name: "never issued", token: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
		{name: "revoked", token: revokedToken},
		{name: "expired", token: expiredToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := st.sessions.Validate(t.Context(), tc.token)
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected unauthenticated, got %v", err)
			}
		})
	}
}

func TestSessionIdleExpirySlides(t *testing.T) {
	st := newTestStack(t)
	p := st.createPrincipal(t, "slider", domain.RolePatient, true)
	_, token, err := st.sessions.Issue(t.Context(), p.ID, Fingerprint{UserAgent: "ua"}, false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for i := 0; i < 3; i++ {
		st.clock.Advance(20 * time.Minute)
		if _, _, err := st.auth.ValidateSession(t.Context(), token); err != nil {
			t.Fatalf("round %d: activity should keep the session alive: %v", i, err)
		}
	}
	st.clock.Advance(DefaultIdleTimeout)
	if _, _, err := st.sessions.Validate(t.Context(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected idle expiry, got %v", err)
	}
	if err := st.sessions.Touch(t.Context(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("touching an expired session must fail, got %v", err)
	}
}

func TestSessionRememberedExpiryIsAbsolute(t *testing.T) {
	st := newTestStack(t)
	p := st.createPrincipal(t, "keeper", domain.RolePatient, true)
	issued, token, err := st.sessions.Issue(t.Context(), p.ID, Fingerprint{UserAgent: "ua"}, true)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !issued.ExpiresAt.Equal(testEpoch.Add(DefaultRememberTTL)) {
		t.Fatalf("remembered expiry = %v", issued.ExpiresAt)
	}

	st.clock.Advance(10 * 24 * time.Hour)
	_, s, err := st.auth.ValidateSession(t.Context(), token)
	if err != nil {
		t.Fatalf("validate remembered: %v", err)
	}
	if !s.ExpiresAt.Equal(issued.ExpiresAt) {
		t.Fatalf("remembered expiry must not slide: %v != %v", s.ExpiresAt, issued.ExpiresAt)
	}

	st.clock.Set(issued.ExpiresAt)
	if _, _, err := st.sessions.Validate(t.Context(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected absolute expiry, got %v", err)
	}
}

func TestSessionReloginReplacesDeviceRow(t *testing.T) {
	st := newTestStack(t)
	p := st.createPrincipal(t, "twice", domain.RolePatient, true)

	first := st.login(t, p.Email, false)
	second := st.login(t, p.Email, false)
	if _, _, err := st.sessions.Validate(t.Context(), first.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("old token on the same device must stop working, got %v", err)
	}
	if _, _, err := st.sessions.Validate(t.Context(), second.Token); err != nil {
		t.Fatalf("new token: %v", err)
	}

	_, other, err := st.sessions.Issue(t.Context(), p.ID, Fingerprint{DeviceID: "tablet"}, false)
	if err != nil {
		t.Fatalf("issue tablet: %v", err)
	}
	views, err := st.auth.ListSessions(t.Context(), p.ID, other)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected two device sessions, got %d", len(views))
	}
	current := 0
	for _, v := range views {
		if v.IsCurrent {
			current++
		}
	}
	if current != 1 {
		t.Fatalf("expected exactly one current session, got %d", current)
	}

	n, err := st.auth.RevokeAllSessions(t.Context(), p.ID)
	if err != nil || n != 2 {
		t.Fatalf("revoke all: n=%d err=%v", n, err)
	}
	if _, _, err := st.sessions.Validate(t.Context(), other); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected revoke all to apply, got %v", err)
	}
}

func TestSessionSweepPurgesDeadRows(t *testing.T) {
	st := newTestStack(t)
	p := st.createPrincipal(t, "sweep", domain.RolePatient, true)

	_, stale, _ := st.sessions.Issue(t.Context(), p.ID, Fingerprint{DeviceID: "old"}, false)
	st.clock.Advance(time.Hour)
	_, live, _ := st.sessions.Issue(t.Context(), p.ID, Fingerprint{DeviceID: "new"}, false)

	sweeper := NewSessionSweeper(st.sessions, time.Minute, nil)
	if n := sweeper.RunOnce(t.Context()); n != 1 {
		t.Fatalf("expected one expired row purged, got %d", n)
	}
	if _, _, err := st.sessions.Validate(t.Context(), stale); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("swept session: got %v", err)
	}
	if _, _, err := st.sessions.Validate(t.Context(), live); err != nil {
		t.Fatalf("live session must survive the sweep: %v", err)
	}
}

func TestSessionManagerWithRedisStore(t *testing.T) {
	st, server := newRedisTestStack(t)
	p := st.createPrincipal(t, "cached", domain.RoleCaregiver, true)

	login := st.login(t, p.Email, false)
	got, _, err := st.auth.ValidateSession(t.Context(), login.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("validated principal %d, want %d", got.ID, p.ID)
	}

	refreshed, err := st.auth.RefreshSession(t.Context(), login.Token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := st.auth.ValidateSession(t.Context(), login.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("old token must be gone from redis, got %v", err)
	}
	tokenKeys := 0
	for _, k := range server.Keys() {
		if strings.HasPrefix(k, "test:session:tok:") {
			tokenKeys++
		}
	}
	if tokenKeys != 1 {
		t.Fatalf("expected exactly the rotated token key, got %v", server.Keys())
	}

	if err := st.auth.Logout(t.Context(), refreshed.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, _, err := st.auth.ValidateSession(t.Context(), refreshed.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated after logout, got %v", err)
	}
}

func TestRefreshSessionRetiresOldToken(t *testing.T) {
	st := newTestStack(t)
	p := st.createPrincipal(t, "refresher", domain.RolePatient, true)
	first := st.login(t, p.Email, false)

	st.clock.Advance(10 * time.Minute)
	res, err := st.auth.RefreshSession(t.Context(), first.Token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Token == first.Token || res.Session.ID != first.Session.ID || res.Principal.ID != p.ID {
		t.Fatalf("expected a new token on the same session, got %+v", res.Session)
	}
	if !res.Session.ExpiresAt.Equal(st.clock.Now().Add(DefaultIdleTimeout)) {
		t.Fatalf("idle expiry must restart on refresh, got %v", res.Session.ExpiresAt)
	}

	if _, _, err := st.auth.ValidateSession(t.Context(), first.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("old token must be dead after refresh, got %v", err)
	}
	if _, err := st.auth.RefreshSession(t.Context(), first.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("replaying the old token must fail, got %v", err)
	}
	if _, _, err := st.auth.ValidateSession(t.Context(), res.Token); err != nil {
		t.Fatalf("new token must validate: %v", err)
	}
}

func TestRotateKeepsRememberedExpiry(t *testing.T) {
	st := newTestStack(t)
	p := st.createPrincipal(t, "rememberer", domain.RolePatient, true)
	issued, token, err := st.sessions.Issue(t.Context(), p.ID, Fingerprint{DeviceID: "tablet"}, true)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	st.clock.Advance(48 * time.Hour)
	rotated, fresh, err := st.sessions.Rotate(t.Context(), token)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !rotated.ExpiresAt.Equal(issued.ExpiresAt) {
		t.Fatalf("remembered expiry must not move: %v != %v", rotated.ExpiresAt, issued.ExpiresAt)
	}
	st.clock.Set(issued.ExpiresAt)
	if _, _, err := st.sessions.Validate(t.Context(), fresh); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("rotated token must expire with the original session, got %v", err)
	}
}

func TestRotateRejectsDeadTokens(t *testing.T) {
	st := newTestStack(t)
	p := st.createPrincipal(t, "deadrot", domain.RolePatient, true)

	_, revokedToken, err := st.sessions.Issue(t.Context(), p.ID, Fingerprint{DeviceID: "a"}, false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := st.sessions.Revoke(t.Context(), revokedToken, "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, expiredToken, err := st.sessions.Issue(t.Context(), p.ID, Fingerprint{DeviceID: "b"}, false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	st.clock.Advance(DefaultIdleTimeout)

	for name, token := range map[string]string{
		"malformed": "short",
		"revoked":   revokedToken,
		"expired":   expiredToken,
	} {
		t.Run(name, func(t *testing.T) {
			if _, _, err := st.sessions.Rotate(t.Context(), token); !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected unauthenticated, got %v", err)
			}
		})
	}
}
