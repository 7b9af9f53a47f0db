package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/myeline/careauth/internal/domain"
)

const (
	principalKeyPrefix = "principal:"
	accountKeyPrefix   = "account:"

	maxLoginKeyBody = 64 << 10
)

func ClientIPKey(r *http.Request) string {
	if ip := parseRequestIP(r); ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}

// PrincipalOrIPKey keys authenticated requests by principal so clients behind
// one NAT do not share a budget. It must run after AuthMiddleware.
func PrincipalOrIPKey(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return fmt.Sprintf("%s%d", principalKeyPrefix, p.ID)
	}
	return ClientIPKey(r)
}

// LoginAccountKey keys a login by the normalized email it targets and the
// client IP, so one client cannot spray guesses at an account faster than the
// limit. The body is read and restored for the handler. Raw emails never
// become counter keys.
func LoginAccountKey(r *http.Request) string {
	ip := ClientIPKey(r)
	if r.Body == nil || r.Body == http.NoBody {
		return ip
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLoginKeyBody))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	if err != nil {
		return ip
	}
	var in struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(body, &in) != nil {
		return ip
	}
	email := domain.NormalizeEmail(in.Email)
	if email == "" {
		return ip
	}
	sum := sha256.Sum256([]byte(email))
	return accountKeyPrefix + hex.EncodeToString(sum[:12]) + "@" + ip
}

func keyKind(key string) string {
	switch {
	case strings.HasPrefix(key, principalKeyPrefix):
		return "principal"
	case strings.HasPrefix(key, accountKeyPrefix):
		return "account"
	default:
		return "ip"
	}
}
