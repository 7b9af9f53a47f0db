package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const opaqueTokenBytes = 32

var opaqueTokenLen = base64.RawURLEncoding.EncodedLen(opaqueTokenBytes)

// NewOpaqueToken returns 256 bits from crypto/rand encoded as unpadded base64url.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func WellFormedToken(token string) bool {
	if len(token) != opaqueTokenLen {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil && len(decoded) == opaqueTokenBytes
}

// HashToken keys the token with pepper so a leaked table cannot be replayed.
func HashToken(token, pepper string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	_, _ = mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// DeviceKey identifies the client device a session belongs to. An explicit
// device id wins; otherwise the user agent stands in for it.
func DeviceKey(deviceID, userAgent string) string {
	source := "id:" + strings.TrimSpace(deviceID)
	if strings.TrimSpace(deviceID) == "" {
		source = "ua:" + strings.TrimSpace(userAgent)
	}
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
