package security

import (
	"net/http"
	"time"
)

const (
	DefaultSessionCookie = "careauth_session"
	CSRFCookie           = "csrf_token"
	DeviceCookie         = "careauth_device"
)

type CookieManager struct {
	SessionName string
	Domain      string
	Secure      bool
	SameSite    http.SameSite
}

func NewCookieManager(sessionName, domain string, secure bool) *CookieManager {
	if sessionName == "" {
		sessionName = DefaultSessionCookie
	}
	return &CookieManager{SessionName: sessionName, Domain: domain, Secure: secure, SameSite: http.SameSiteLaxMode}
}

// SetSessionCookies writes the session token and a readable CSRF token. A zero
// expiresAt produces browser-session cookies.
func (m *CookieManager) SetSessionCookies(w http.ResponseWriter, token, csrf string, expiresAt time.Time) {
	http.SetCookie(w, m.cookie(m.SessionName, token, true, expiresAt))
	http.SetCookie(w, m.cookie(CSRFCookie, csrf, false, expiresAt))
}

func (m *CookieManager) SetDeviceCookie(w http.ResponseWriter, deviceID string) {
	http.SetCookie(w, m.cookie(DeviceCookie, deviceID, true, time.Now().Add(365*24*time.Hour)))
}

func (m *CookieManager) ClearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{m.SessionName, CSRFCookie} {
		c := m.cookie(name, "", name == m.SessionName, time.Time{})
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}

func (m *CookieManager) cookie(name, value string, httpOnly bool, expiresAt time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   m.Domain,
		HttpOnly: httpOnly,
		Secure:   m.Secure,
		SameSite: m.SameSite,
	}
	if !expiresAt.IsZero() {
		c.Expires = expiresAt.UTC()
	}
	return c
}

func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
