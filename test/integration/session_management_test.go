package integration

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/myeline/careauth/internal/domain"
)

type sessionView struct {
	ID        uint   `json:"id"`
	IsCurrent bool   `json:"is_current"`
	UserAgent string `json:"user_agent"`
	IP        string `json:"ip"`
}

func listSessions(t *testing.T, s *testServer, client *http.Client) []sessionView {
	t.Helper()
	resp, env := doJSON(t, client, http.MethodGet, s.baseURL+"/api/v1/me/sessions", nil, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("list sessions failed: status=%d success=%v", resp.StatusCode, env.Success)
	}
	var sessions []sessionView
	if err := json.Unmarshal(env.Data, &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	return sessions
}

func TestSessionManagementOneRowPerDevice(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seedVerified(t, "session-mgmt@example.com", "sessionmgmt", domain.RolePatient)

	laptop := loginDevice(t, s, p.Email, "laptop")
	loginDevice(t, s, p.Email, "phone")
	// A second sign-in from the laptop replaces its row instead of adding one.
	laptopAgain := loginDevice(t, s, p.Email, "laptop")

	sessions := listSessions(t, s, laptopAgain)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(sessions))
	}
	var current int
	for _, v := range sessions {
		if v.IsCurrent {
			current++
		}
	}
	if current != 1 {
		t.Fatalf("expected exactly one current session, got %d", current)
	}

	resp, _ := doJSON(t, laptop, http.MethodGet, s.baseURL+"/api/v1/me", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replaced laptop token must be dead, got %d", resp.StatusCode)
	}
}

func TestSessionManagementRevokeAllSignsOutEveryDevice(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seedVerified(t, "session-revoke@example.com", "sessionrevoke", domain.RoleCaregiver)

	tablet := loginDevice(t, s, p.Email, "tablet")
	desktop := loginDevice(t, s, p.Email, "desktop")

	resp, _ := doJSON(t, desktop, http.MethodDelete, s.baseURL+"/api/v1/me/sessions", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cookie-authenticated revoke without csrf must fail, got %d", resp.StatusCode)
	}

	resp, env := doJSON(t, desktop, http.MethodDelete, s.baseURL+"/api/v1/me/sessions", nil, map[string]string{
		"X-CSRF-Token": cookieValue(t, desktop, s.baseURL, "csrf_token"),
	})
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("revoke all failed: status=%d", resp.StatusCode)
	}
	var data map[string]int64
	_ = json.Unmarshal(env.Data, &data)
	if data["revoked"] != 2 {
		t.Fatalf("expected both sessions revoked, got %+v", data)
	}

	for name, client := range map[string]*http.Client{"tablet": tablet, "desktop": desktop} {
		if resp, _ := doJSON(t, client, http.MethodGet, s.baseURL+"/api/v1/me", nil, nil); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s must be signed out, got %d", name, resp.StatusCode)
		}
	}
}
