package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sess *Session) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Session, error)

	// TransitionStatus performs a compare-and-set on status; extra column
	// updates are applied in the same statement. Returns false when the
	// guard did not match, which callers treat as a lost race.
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, to Status, set map[string]any) (bool, error)

	// SaveAnswers writes the answer map only while the session is still
	// open. Returns false when the guard did not match, so a straggling
	// write can never rewrite the raw answers a result was graded from.
	SaveAnswers(ctx context.Context, db *gorm.DB, id snowflake.ID, answers map[string]any, now time.Time) (bool, error)

	InsertViolation(ctx context.Context, db *gorm.DB, v *Violation) error
	IncrementWarnings(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error

	// FindOverdue lists non-terminal sessions whose end time has passed,
	// for the background sweep.
	FindOverdue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Session, error)
}
