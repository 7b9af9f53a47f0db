package domain

import "time"

type AccessLevel string

const (
	AccessLow    AccessLevel = "low"
	AccessMedium AccessLevel = "medium"
	AccessHigh   AccessLevel = "high"
)

func (l AccessLevel) Valid() bool { return l.Rank() > 0 }

func (l AccessLevel) Rank() int {
	switch l {
	case AccessLow:
		return 1
	case AccessMedium:
		return 2
	case AccessHigh:
		return 3
	default:
		return 0
	}
}

type GrantStatus string

const (
	GrantPending GrantStatus = "pending"
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
)

// CaregiverGrant lets a caregiver act on a patient's data while Status is active.
// The partial unique index keeps at most one active grant per pair.
type CaregiverGrant struct {
	ID               uint        `gorm:"primaryKey" json:"id"`
	CaregiverID      uint        `gorm:"not null;index;uniqueIndex:idx_caregiver_grants_active_pair,where:status = 'active'" json:"caregiver_id"`
	PatientID        uint        `gorm:"not null;index;uniqueIndex:idx_caregiver_grants_active_pair,where:status = 'active'" json:"patient_id"`
	AccessLevel      AccessLevel `gorm:"size:16;not null" json:"access_level"`
	RelationshipType string      `gorm:"size:50" json:"relationship_type,omitempty"`
	Status           GrantStatus `gorm:"size:16;index;not null" json:"status"`
	ProposedBy       uint        `gorm:"not null" json:"proposed_by"`
	AcceptedAt       *time.Time  `json:"accepted_at,omitempty"`
	RevokedAt        *time.Time  `json:"revoked_at,omitempty"`
	RevokedBy        *uint       `json:"revoked_by,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (g *CaregiverGrant) Authoritative() bool { return g != nil && g.Status == GrantActive }
