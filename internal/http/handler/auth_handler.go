package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/http/middleware"
	"github.com/myeline/careauth/internal/http/response"
	"github.com/myeline/careauth/internal/observability"
	"github.com/myeline/careauth/internal/security"
	"github.com/myeline/careauth/internal/service"
)

type AuthHandler struct {
	auth    service.AuthServiceInterface
	cookies *security.CookieManager
}

func NewAuthHandler(auth service.AuthServiceInterface, cookies *security.CookieManager) *AuthHandler {
	return &AuthHandler{auth: auth, cookies: cookies}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type resendRequest struct {
	Email string `json:"email"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
	DeviceID string `json:"device_id"`
}

type sessionResponse struct {
	ID        uint      `json:"id"`
	Remember  bool      `json:"remember"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginResponse struct {
	Token     string            `json:"token"`
	CSRFToken string            `json:"csrf_token"`
	Principal *domain.Principal `json:"principal"`
	Session   sessionResponse   `json:"session"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterInput
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.auth.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "auth.register.http", "principal_id", res.PrincipalID)
	response.JSON(w, r, http.StatusCreated, res)
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.auth.VerifyEmail(r.Context(), strings.TrimSpace(req.Token)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]bool{"verified": true})
}

func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.auth.ResendVerification(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		deviceID = security.GetCookie(r, security.DeviceCookie)
	}
	res, err := h.auth.Login(r.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		Remember: req.Remember,
		Fingerprint: service.Fingerprint{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			DeviceID:  deviceID,
		},
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if deviceID != "" {
		h.cookies.SetDeviceCookie(w, deviceID)
	}
	observability.Audit(r, "auth.login.http", "principal_id", res.Principal.ID)
	h.writeSession(w, r, res)
}

// Refresh rotates the session token. The previous token, cookie or bearer,
// is dead once this returns.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.auth.RefreshSession(r.Context(), middleware.SessionTokenFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "auth.refresh.http", "principal_id", res.Principal.ID)
	h.writeSession(w, r, res)
}

// writeSession hands a freshly issued token to the client as cookies and in
// the body, together with a new CSRF token.
func (h *AuthHandler) writeSession(w http.ResponseWriter, r *http.Request, res *service.LoginResult) {
	csrf, err := security.NewOpaqueToken()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var cookieExpiry time.Time
	if res.Session.Remember {
		cookieExpiry = res.Session.ExpiresAt
	}
	h.cookies.SetSessionCookies(w, res.Token, csrf, cookieExpiry)
	response.JSON(w, r, http.StatusOK, loginResponse{
		Token:     res.Token,
		CSRFToken: csrf,
		Principal: res.Principal,
		Session: sessionResponse{
			ID:        res.Session.ID,
			Remember:  res.Session.Remember,
			ExpiresAt: res.Session.ExpiresAt,
		},
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), middleware.SessionTokenFromContext(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.cookies.ClearSessionCookies(w)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}
