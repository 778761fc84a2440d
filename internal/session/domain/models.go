package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrNotFound     = errors.New("session_not_found")
	ErrInvalidState = errors.New("session_invalid_state")
	ErrEnded        = errors.New("session_ended")
)

type Status string

const (
	StatusActive Status = "ACTIVE"
	// StatusInProgress is set when the first answer is recorded.
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusTimedOut   Status = "TIMED_OUT"
	// StatusAutoSubmitted marks a server-forced submission at the deadline.
	StatusAutoSubmitted Status = "AUTO_SUBMITTED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimedOut, StatusAutoSubmitted:
		return true
	default:
		return false
	}
}

type Source string

const (
	SourceEnrollment Source = "ENROLLMENT"
	SourceInvitation Source = "INVITATION"
)

// GuestIdentity is the denormalized recipient snapshot carried by guest
// attempts, which have no account-holder reference.
type GuestIdentity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Session is one timed attempt at an exam. EndsAt is fixed at creation and
// never extended.
type Session struct {
	ID     snowflake.ID `gorm:"primaryKey" json:"id"`
	ExamID snowflake.ID `gorm:"not null;index" json:"exam_id"`
	OrgID  snowflake.ID `gorm:"not null;index" json:"organization_id"`

	UserID       *snowflake.ID `gorm:"index" json:"user_id,omitempty"`
	InvitationID *snowflake.ID `gorm:"index" json:"invitation_id,omitempty"`
	Guest        GuestIdentity `gorm:"embedded;embeddedPrefix:guest_" json:"guest,omitempty"`

	Source Source `gorm:"not null" json:"source"`
	Status Status `gorm:"not null;default:'ACTIVE';index" json:"status"`

	StartedAt time.Time `gorm:"not null" json:"started_at"`
	EndsAt    time.Time `gorm:"not null;index" json:"ends_at"`

	// Answers maps question id to the submitted value; append/replace
	// until the session is terminal.
	Answers datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"answers"`

	WarningCount int           `gorm:"not null;default:0" json:"warning_count"`
	SubmittedAt  *time.Time    `json:"submitted_at,omitempty"`
	ResultID     *snowflake.ID `json:"result_id,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// Violation is one reported anomaly during a session. Rows are kept in
// their own table so the monitoring aggregator can query them directly.
type Violation struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	SessionID snowflake.ID `gorm:"not null;index" json:"session_id"`
	ExamID    snowflake.ID `gorm:"not null;index" json:"exam_id"`
	OrgID     snowflake.ID `gorm:"not null" json:"organization_id"`
	Kind      string       `gorm:"not null" json:"kind"`
	Severity  string       `gorm:"not null;default:'LOW'" json:"severity"`
	CreatedAt time.Time    `gorm:"not null;index" json:"created_at"`
}

func (Violation) TableName() string { return "session_violations" }
