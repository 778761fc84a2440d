package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound     = errors.New("invitation_not_found")
	ErrExpired      = errors.New("invitation_expired")
	ErrRevoked      = errors.New("invitation_revoked")
	ErrDuplicate    = errors.New("duplicate_invitation")
	ErrInvalidState = errors.New("invitation_invalid_state")
	ErrAccessMode   = errors.New("invitation_access_forbidden")
	ErrNoRecipients = errors.New("invitation_no_recipients")

	ErrInvalidOrganization = errors.New("invalid_organization")
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccessed  Status = "ACCESSED"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusExpired   Status = "EXPIRED"
	StatusRevoked   Status = "REVOKED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusRevoked:
		return true
	default:
		return false
	}
}

// Invitation is one offer of access to one exam for one named recipient.
// The token is the external capability: immutable, single-purpose,
// cryptographically random.
type Invitation struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id"`
	Token string       `gorm:"not null;uniqueIndex" json:"-"`

	ExamID snowflake.ID `gorm:"not null;index" json:"exam_id"`
	OrgID  snowflake.ID `gorm:"not null;index" json:"organization_id"`

	RecipientName  string `gorm:"not null" json:"recipient_name"`
	RecipientEmail string `gorm:"not null;index" json:"recipient_email"`
	RecipientPhone string `json:"recipient_phone,omitempty"`

	Status    Status    `gorm:"not null;default:'PENDING';index" json:"status"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`

	AccessCount     int        `gorm:"not null;default:0" json:"access_count"`
	FirstAccessedAt *time.Time `json:"first_accessed_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	SessionID *snowflake.ID `gorm:"index" json:"session_id,omitempty"`
	ResultID  *snowflake.ID `json:"result_id,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}
