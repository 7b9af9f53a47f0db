package domain

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

type Role string

const (
	RolePatient   Role = "patient"
	RoleCaregiver Role = "caregiver"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleCaregiver, RoleAdmin:
		return true
	default:
		return false
	}
}

type Principal struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Email           string         `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Username        string         `gorm:"size:50;uniqueIndex;not null" json:"username"`
	PasswordHash    string         `gorm:"size:255;not null" json:"-"`
	FirstName       string         `gorm:"size:100;not null" json:"first_name"`
	LastName        string         `gorm:"size:100;not null" json:"last_name"`
	Role            Role           `gorm:"size:16;index;not null" json:"role"`
	EmailVerifiedAt *time.Time     `json:"email_verified_at,omitempty"`
	FailedAttempts  int            `gorm:"not null;default:0" json:"-"`
	LockedUntil     *time.Time     `json:"-"`
	LastLoginAt     *time.Time     `json:"last_login_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

func (p *Principal) Verified() bool { return p.EmailVerifiedAt != nil }

func (p *Principal) Lockout() LockoutState {
	return LockoutState{Attempts: p.FailedAttempts, LockedUntil: p.LockedUntil}
}

// Validate checks the fields every persisted principal must carry.
func (p *Principal) Validate() error {
	switch {
	case strings.TrimSpace(p.Email) == "":
		return errors.New("principal email is required")
	case strings.TrimSpace(p.Username) == "":
		return errors.New("principal username is required")
	case p.PasswordHash == "":
		return errors.New("principal password hash is required")
	case !p.Role.Valid():
		return errors.New("principal role is invalid")
	}
	return nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
