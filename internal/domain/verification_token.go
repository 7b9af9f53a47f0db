package domain

import "time"

const PurposeEmailVerification = "email_verification"

type VerificationToken struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	PrincipalID uint       `gorm:"index;not null" json:"principal_id"`
	TokenHash   string     `gorm:"size:128;uniqueIndex;not null" json:"-"`
	Purpose     string     `gorm:"size:32;index;not null" json:"purpose"`
	ExpiresAt   time.Time  `gorm:"index;not null" json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (t *VerificationToken) Used() bool { return t.UsedAt != nil }

func (t *VerificationToken) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }
