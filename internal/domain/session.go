package domain

import "time"

type Session struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	PrincipalID    uint       `gorm:"not null;uniqueIndex:idx_sessions_principal_device" json:"principal_id"`
	DeviceKey      string     `gorm:"size:64;not null;uniqueIndex:idx_sessions_principal_device" json:"-"`
	TokenHash      string     `gorm:"size:128;uniqueIndex;not null" json:"-"`
	UserAgent      string     `gorm:"size:512" json:"user_agent"`
	IP             string     `gorm:"size:64" json:"ip"`
	Remember       bool       `gorm:"not null;default:false" json:"remember"`
	LastActivityAt time.Time  `gorm:"not null" json:"last_activity_at"`
	ExpiresAt      time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt      *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason  *string    `gorm:"size:64" json:"revoked_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Live reports whether the session can still authenticate requests at now.
// A session whose expiry equals now is already expired.
func (s *Session) Live(now time.Time) bool {
	if s == nil || s.RevokedAt != nil {
		return false
	}
	return now.Before(s.ExpiresAt)
}
