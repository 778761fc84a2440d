package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, res *Result) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Result, error)
	FindBySessionID(ctx context.Context, db *gorm.DB, sessionID snowflake.ID) (*Result, error)
	FindByInvitationIDs(ctx context.Context, db *gorm.DB, examID snowflake.ID, invitationIDs []snowflake.ID) ([]*Result, error)
	UpdateShortlist(ctx context.Context, db *gorm.DB, id snowflake.ID, decision ShortlistDecision) error

	// Standing returns the 1-based rank of the result's score within its
	// exam cohort plus the cohort size, on total score descending.
	Standing(ctx context.Context, db *gorm.DB, examID snowflake.ID, totalScore float64) (rank, cohort int, err error)
}
