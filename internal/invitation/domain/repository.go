package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, inv *Invitation) error
	FindByToken(ctx context.Context, db *gorm.DB, token string) (*Invitation, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invitation, error)

	// HasOpenForRecipient reports whether a non-terminal, unexpired
	// invitation already exists for the recipient on this exam.
	HasOpenForRecipient(ctx context.Context, db *gorm.DB, examID snowflake.ID, email string, now time.Time) (bool, error)

	// RecordAccess bumps the access counter and stamps the first access
	// time if unset.
	RecordAccess(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error

	// TransitionStatus performs a compare-and-set on status; extra column
	// updates are applied in the same statement. Returns false when the
	// guard did not match.
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, to Status, set map[string]any) (bool, error)

	// FindOverdue lists non-terminal invitations whose expiry has passed,
	// for the background sweep.
	FindOverdue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Invitation, error)
}
