package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	resultdomain "github.com/skillgate/skillgate/internal/result/domain"
)

type CreateRequest struct {
	ExamID       snowflake.ID
	OrgID        snowflake.ID
	Source       Source
	InvitationID *snowflake.ID
	UserID       *snowflake.ID
	Guest        GuestIdentity
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Session, error)
	Get(ctx context.Context, id snowflake.ID) (*Session, error)

	RecordAnswer(ctx context.Context, id snowflake.ID, questionID string, answer any) error
	RecordViolation(ctx context.Context, id snowflake.ID, kind, severity string) (*Session, error)

	// Submit grades and closes the session. Idempotent: a session that
	// already carries a result returns it without re-grading. auto marks
	// the deadline-forced path.
	Submit(ctx context.Context, id snowflake.ID, answers map[string]any, auto bool) (*resultdomain.Result, error)

	// CheckAndMaybeExpire is the single place the end-time comparison
	// lives. valid reports whether the session may still be used; mutated
	// reports whether this call flipped it to TIMED_OUT.
	CheckAndMaybeExpire(ctx context.Context, sess *Session) (valid bool, mutated bool, err error)

	FindOverdue(ctx context.Context, now time.Time, limit int) ([]*Session, error)
}
