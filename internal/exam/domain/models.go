package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/grading"
)

var ErrNotFound = errors.New("exam_not_found")

type AccessMode string

const (
	AccessOpen       AccessMode = "OPEN"
	AccessInvitation AccessMode = "INVITATION"
	AccessEnrollment AccessMode = "ENROLLMENT"
)

type Exam struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID           snowflake.ID `gorm:"not null;index" json:"organization_id"`
	Title           string       `gorm:"not null" json:"title"`
	DurationMinutes int          `gorm:"not null" json:"duration_minutes"`
	TotalMarks      float64      `gorm:"not null" json:"total_marks"`
	PassingMarks    float64      `gorm:"not null" json:"passing_marks"`
	NegativeMarking bool         `gorm:"not null;default:false" json:"negative_marking"`
	PenaltyPerWrong float64      `gorm:"not null;default:0" json:"penalty_per_wrong"`
	AccessMode      AccessMode   `gorm:"not null;default:'INVITATION'" json:"access_mode"`

	// AllowMultipleAccess permits restarting after an abandoned attempt.
	AllowMultipleAccess bool `gorm:"not null;default:false" json:"allow_multiple_access"`
	// AutoExpireOnSubmit makes invitation completion final even for
	// retake-eligible invitations.
	AutoExpireOnSubmit bool `gorm:"not null;default:true" json:"auto_expire_on_submit"`
	// ShowResults controls whether the graded score is shown back to the
	// test-taker.
	ShowResults bool `gorm:"not null;default:false" json:"show_results"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (e Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

func (e Exam) Policy() grading.Policy {
	return grading.Policy{
		NegativeMarking: e.NegativeMarking,
		PenaltyPerWrong: e.PenaltyPerWrong,
		PassingMarks:    e.PassingMarks,
	}
}

type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct,omitempty"`
}

type Question struct {
	ID     snowflake.ID         `gorm:"primaryKey" json:"id"`
	ExamID snowflake.ID         `gorm:"not null;index" json:"exam_id"`
	Type   grading.QuestionType `gorm:"not null" json:"type"`
	Text   string               `gorm:"not null" json:"text"`
	Marks  float64              `gorm:"not null" json:"marks"`

	Options []Option `gorm:"serializer:json" json:"options,omitempty"`
	// CorrectAnswer is the legacy single-field representation, consulted
	// only when no option carries the correct flag.
	CorrectAnswer string `gorm:"column:correct_answer" json:"correct_answer,omitempty"`
	Section       string `gorm:"column:section" json:"section,omitempty"`

	Position  int       `gorm:"not null;default:0" json:"position"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// Normalized converts the stored question into the engine's shape,
// resolving the legacy correct-answer fallback once at ingestion.
func (q Question) Normalized() grading.Question {
	ids := make([]string, len(q.Options))
	flagged := make([]bool, len(q.Options))
	for i, opt := range q.Options {
		ids[i] = opt.ID
		flagged[i] = opt.Correct
	}
	return grading.Question{
		ID:      q.ID.String(),
		Type:    q.Type,
		Marks:   q.Marks,
		Section: q.Section,
		Correct: grading.NormalizeCorrect(ids, flagged, q.CorrectAnswer),
	}
}

// Sanitized strips grading keys so the question can be handed to a
// test-taker.
func (q Question) Sanitized() Question {
	out := q
	out.CorrectAnswer = ""
	out.Options = make([]Option, len(q.Options))
	for i, opt := range q.Options {
		out.Options[i] = Option{ID: opt.ID, Text: opt.Text}
	}
	return out
}

// Catalog is the read-only exam/question lookup the core consumes.
type Catalog interface {
	GetExam(ctx context.Context, id snowflake.ID) (*Exam, error)
	GetQuestions(ctx context.Context, examID snowflake.ID) ([]Question, error)
}
