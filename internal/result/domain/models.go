package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/grading"
)

var ErrNotFound = errors.New("result_not_found")

// ShortlistDecision is the accept/reject sub-record embedded in a result.
// Once set it can be re-set, never silently cleared.
type ShortlistDecision struct {
	Accepted  *bool      `json:"accepted,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
}

func (d ShortlistDecision) Set() bool { return d.Accepted != nil }

// Result is the graded outcome of one session. Scoring fields are immutable
// after creation; only the shortlist decision may change.
type Result struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	ExamID    snowflake.ID `gorm:"not null;index" json:"exam_id"`
	OrgID     snowflake.ID `gorm:"not null;index" json:"organization_id"`
	SessionID snowflake.ID `gorm:"not null;uniqueIndex" json:"session_id"`

	InvitationID *snowflake.ID `gorm:"index" json:"invitation_id,omitempty"`
	UserID       *snowflake.ID `gorm:"index" json:"user_id,omitempty"`

	Questions     []grading.QuestionScore `gorm:"serializer:json" json:"questions"`
	SectionScores map[string]float64      `gorm:"serializer:json" json:"section_scores,omitempty"`
	Analysis      grading.Analysis        `gorm:"serializer:json" json:"analysis"`

	TotalScore float64 `gorm:"not null" json:"total_score"`
	TotalMarks float64 `gorm:"not null" json:"total_marks"`
	Percentage float64 `gorm:"not null" json:"percentage"`
	Passed     bool    `gorm:"not null" json:"passed"`

	TimeSpentSeconds int `gorm:"not null;default:0" json:"time_spent_seconds"`

	// VisibleToCandidate controls whether the score is shown back to the
	// test-taker.
	VisibleToCandidate bool `gorm:"not null;default:false" json:"visible_to_candidate"`

	Shortlist ShortlistDecision `gorm:"embedded;embeddedPrefix:shortlist_" json:"shortlist,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// Breakdown reassembles the grading engine's view of this result, used by
// the shortlisting evaluator and the regrade path.
func (r *Result) Breakdown() grading.Breakdown {
	return grading.Breakdown{
		Questions:     r.Questions,
		TotalScore:    r.TotalScore,
		TotalMarks:    r.TotalMarks,
		Percentage:    r.Percentage,
		Passed:        r.Passed,
		Analysis:      r.Analysis,
		SectionScores: r.SectionScores,
	}
}
