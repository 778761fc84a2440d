package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
)

type Recipient struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
	Phone string `json:"phone,omitempty"`
}

type SendRequest struct {
	ExamID     snowflake.ID
	OrgID      snowflake.ID
	Recipients []Recipient
	Validity   time.Duration
}

// SendOutcome is the per-recipient result of a batch send. A failed
// recipient carries its error and never blocks its siblings.
type SendOutcome struct {
	Recipient  Recipient
	Invitation *Invitation
	Token      string
	Err        error
}

type AccessResult struct {
	Invitation *Invitation
	Exam       *examdomain.Exam
	CanStart   bool
	Message    string
}

type StartResult struct {
	Invitation *Invitation
	Exam       *examdomain.Exam
	Session    *sessiondomain.Session
}

type Service interface {
	Send(ctx context.Context, req SendRequest) ([]SendOutcome, error)
	Access(ctx context.Context, token string) (*AccessResult, error)
	Start(ctx context.Context, token string) (*StartResult, error)
	Complete(ctx context.Context, invitationID, resultID snowflake.ID) error
	Revoke(ctx context.Context, id snowflake.ID) error
	FindByToken(ctx context.Context, token string) (*Invitation, error)
	FindByID(ctx context.Context, id snowflake.ID) (*Invitation, error)

	// ExpireOverdue flips overdue PENDING/ACCESSED invitations to EXPIRED
	// and returns how many it flipped. Idempotent against the lazy
	// on-read expiry.
	ExpireOverdue(ctx context.Context, now time.Time, limit int) (int, error)
}

// Usable reports whether the invitation still admits a live attempt. It is
// a pure predicate over the two statuses: callers must run the lazy expiry
// checks first so the statuses are current.
func Usable(inv *Invitation, sess *sessiondomain.Session) bool {
	if inv == nil || inv.Status.Terminal() {
		return false
	}
	if sess != nil && sess.Status.Terminal() {
		return false
	}
	return true
}
