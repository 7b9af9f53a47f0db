package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/myeline/careauth/internal/config"
	"github.com/myeline/careauth/internal/di"
	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/repository"
	"github.com/myeline/careauth/internal/security"
)

const testPassword = "Valid#Pass1234"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type testServer struct {
	baseURL   string
	container *di.Container
}

// newTestServer runs the fully wired service over a temporary sqlite file.
// env entries override the defaults before config is loaded.
func newTestServer(t *testing.T, env map[string]string) *testServer {
	t.Helper()
	defaults := map[string]string{
		"APP_ENV":               "test",
		"DATABASE_DRIVER":       "sqlite",
		"DATABASE_URL":          filepath.Join(t.TempDir(), "careauth.db"),
		"DB_MAX_OPEN_CONNS":     "1",
		"TOKEN_PEPPER":          "integration-pepper-0123",
		"SESSION_COOKIE_SECURE": "false",
		"BCRYPT_COST":           "4",
		"AUTH_RATE_LIMIT_RPM":   "1000",
		"API_RATE_LIMIT_RPM":    "1000",
		"LOGIN_RATE_LIMIT":      "1000",
		"LOG_LEVEL":             "error",
	}
	for k, v := range env {
		defaults[k] = v
	}
	for k, v := range defaults {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	c, cleanup, err := di.InitializeContainer(t.Context(), cfg)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(cleanup)
	if err := repository.Migrate(c.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	srv := httptest.NewServer(c.App.Server.Handler)
	t.Cleanup(srv.Close)
	return &testServer{baseURL: srv.URL, container: c}
}

func (s *testServer) seedVerified(t *testing.T, email, username string, role domain.Role) *domain.Principal {
	t.Helper()
	hash, err := security.NewPasswordHasher(4).Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	repo := repository.NewPrincipalRepository(s.container.DB)
	p := &domain.Principal{Email: email, Username: username, PasswordHash: hash, FirstName: "Int", LastName: "Test", Role: role}
	if err := repo.Create(t.Context(), p); err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
	if err := repo.MarkVerified(t.Context(), p.ID, time.Now()); err != nil {
		t.Fatalf("verify %s: %v", email, err)
	}
	return p
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func doJSON(t *testing.T, client *http.Client, method, target string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, target, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %s %s: %v body=%s", method, target, err, raw)
	}
	return resp, env
}

func cookieValue(t *testing.T, client *http.Client, baseURL, name string) string {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse base url: %v", err)
	}
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// loginDevice signs in on its own cookie jar, identified by deviceID.
func loginDevice(t *testing.T, s *testServer, email, deviceID string) *http.Client {
	t.Helper()
	client := newClient(t)
	resp, env := doJSON(t, client, http.MethodPost, s.baseURL+"/api/v1/auth/login", map[string]any{
		"email": email, "password": testPassword, "device_id": deviceID,
	}, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login %s on %s: status=%d", email, deviceID, resp.StatusCode)
	}
	return client
}
