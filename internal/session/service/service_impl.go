package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/clock"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	"github.com/skillgate/skillgate/internal/grading"
	"github.com/skillgate/skillgate/internal/monitor"
	resultdomain "github.com/skillgate/skillgate/internal/result/domain"
	"github.com/skillgate/skillgate/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	ResultRepo resultdomain.Repository
	Catalog    examdomain.Catalog
	Hub        *monitor.Hub
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	resultRepo resultdomain.Repository
	catalog    examdomain.Catalog
	hub        *monitor.Hub
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("session.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		resultRepo: p.ResultRepo,
		catalog:    p.Catalog,
		hub:        p.Hub,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Session, error) {
	exam, err := s.catalog.GetExam(ctx, req.ExamID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sess := &domain.Session{
		ID:           s.genID.Generate(),
		ExamID:       req.ExamID,
		OrgID:        req.OrgID,
		Source:       req.Source,
		InvitationID: req.InvitationID,
		UserID:       req.UserID,
		Guest:        req.Guest,
		Status:       domain.StatusActive,
		StartedAt:    now,
		EndsAt:       now.Add(exam.Duration()),
		Answers:      datatypes.JSONMap{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Insert(ctx, s.db, sess); err != nil {
		return nil, err
	}

	s.log.Info("session created",
		zap.Int64("session_id", int64(sess.ID)),
		zap.Int64("exam_id", int64(sess.ExamID)),
		zap.Time("ends_at", sess.EndsAt))

	return sess, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Session, error) {
	return s.repo.FindByID(ctx, s.db, id)
}

func (s *Service) RecordAnswer(ctx context.Context, id snowflake.ID, questionID string, answer any) error {
	sess, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}

	valid, _, err := s.CheckAndMaybeExpire(ctx, sess)
	if err != nil {
		return err
	}
	if !valid {
		return domain.ErrEnded
	}

	if sess.Status == domain.StatusActive {
		// Racing first answers both pass the guard; either flip wins.
		if _, err := s.repo.TransitionStatus(ctx, s.db, id,
			[]domain.Status{domain.StatusActive}, domain.StatusInProgress,
			map[string]any{"updated_at": s.clock.Now()}); err != nil {
			return err
		}
	}

	answers := map[string]any(sess.Answers)
	if answers == nil {
		answers = map[string]any{}
	}
	answers[questionID] = answer

	saved, err := s.repo.SaveAnswers(ctx, s.db, id, answers, s.clock.Now())
	if err != nil {
		return err
	}
	if !saved {
		// The session went terminal between the check and the write.
		return domain.ErrEnded
	}
	return nil
}

func (s *Service) RecordViolation(ctx context.Context, id snowflake.ID, kind, severity string) (*domain.Session, error) {
	sess, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, domain.ErrEnded
	}
	if severity == "" {
		severity = "LOW"
	}

	now := s.clock.Now()
	violation := &domain.Violation{
		ID:        s.genID.Generate(),
		SessionID: sess.ID,
		ExamID:    sess.ExamID,
		OrgID:     sess.OrgID,
		Kind:      kind,
		Severity:  severity,
		CreatedAt: now,
	}
	if err := s.repo.InsertViolation(ctx, s.db, violation); err != nil {
		return nil, err
	}
	if err := s.repo.IncrementWarnings(ctx, s.db, id, now); err != nil {
		return nil, err
	}
	sess.WarningCount++

	s.hub.Publish(sess.OrgID, sess.ExamID, monitor.Event{
		Type: monitor.EventViolationAlert,
		Payload: map[string]any{
			"session_id":    sess.ID,
			"kind":          kind,
			"severity":      severity,
			"warning_count": sess.WarningCount,
		},
	})

	s.log.Warn("violation recorded",
		zap.Int64("session_id", int64(sess.ID)),
		zap.String("kind", kind),
		zap.String("severity", severity),
		zap.Int("warning_count", sess.WarningCount))

	return sess, nil
}

func (s *Service) Submit(ctx context.Context, id snowflake.ID, answers map[string]any, auto bool) (*resultdomain.Result, error) {
	sess, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	// A session that already carries a result returns it as-is; double
	// submits must not re-grade.
	if sess.ResultID != nil {
		return s.resultRepo.FindByID(ctx, s.db, *sess.ResultID)
	}

	from := []domain.Status{domain.StatusActive, domain.StatusInProgress}
	to := domain.StatusCompleted
	if auto {
		// The deadline path also closes sessions the timeout sweep got
		// to first.
		from = append(from, domain.StatusTimedOut)
		to = domain.StatusAutoSubmitted
	} else if sess.Status.Terminal() {
		return nil, domain.ErrEnded
	}

	final := map[string]any(sess.Answers)
	if final == nil {
		final = map[string]any{}
	}
	for k, v := range answers {
		final[k] = v
	}

	exam, err := s.catalog.GetExam(ctx, sess.ExamID)
	if err != nil {
		return nil, err
	}
	stored, err := s.catalog.GetQuestions(ctx, sess.ExamID)
	if err != nil {
		return nil, err
	}
	questions := make([]grading.Question, len(stored))
	for i, q := range stored {
		questions[i] = q.Normalized()
	}

	breakdown := grading.Grade(questions, final, exam.Policy())

	now := s.clock.Now()
	spent := now
	if spent.After(sess.EndsAt) {
		spent = sess.EndsAt
	}
	result := &resultdomain.Result{
		ID:                 s.genID.Generate(),
		ExamID:             sess.ExamID,
		OrgID:              sess.OrgID,
		SessionID:          sess.ID,
		InvitationID:       sess.InvitationID,
		UserID:             sess.UserID,
		Questions:          breakdown.Questions,
		SectionScores:      breakdown.SectionScores,
		Analysis:           breakdown.Analysis,
		TotalScore:         breakdown.TotalScore,
		TotalMarks:         breakdown.TotalMarks,
		Percentage:         breakdown.Percentage,
		Passed:             breakdown.Passed,
		TimeSpentSeconds:   int(spent.Sub(sess.StartedAt) / time.Second),
		VisibleToCandidate: exam.ShowResults,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.resultRepo.Insert(ctx, tx, result); err != nil {
			return err
		}
		ok, err := s.repo.TransitionStatus(ctx, tx, sess.ID, from, to, map[string]any{
			"answers":      datatypes.JSONMap(final),
			"submitted_at": now,
			"result_id":    result.ID,
			"updated_at":   now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidState
		}
		return nil
	})
	if errors.Is(err, domain.ErrInvalidState) {
		// Lost a submit race; hand back whatever the winner produced.
		current, ferr := s.repo.FindByID(ctx, s.db, id)
		if ferr == nil && current.ResultID != nil {
			return s.resultRepo.FindByID(ctx, s.db, *current.ResultID)
		}
		return nil, domain.ErrInvalidState
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("session submitted",
		zap.Int64("session_id", int64(sess.ID)),
		zap.Int64("result_id", int64(result.ID)),
		zap.Bool("auto", auto),
		zap.Float64("total_score", result.TotalScore),
		zap.Bool("passed", result.Passed))

	return result, nil
}

func (s *Service) CheckAndMaybeExpire(ctx context.Context, sess *domain.Session) (bool, bool, error) {
	if sess.Status.Terminal() {
		return false, false, nil
	}
	if s.clock.Now().Before(sess.EndsAt) {
		return true, false, nil
	}

	flipped, err := s.repo.TransitionStatus(ctx, s.db, sess.ID,
		[]domain.Status{domain.StatusActive, domain.StatusInProgress},
		domain.StatusTimedOut,
		map[string]any{"updated_at": s.clock.Now()})
	if err != nil {
		return false, false, err
	}
	if flipped {
		sess.Status = domain.StatusTimedOut
		s.log.Info("session timed out", zap.Int64("session_id", int64(sess.ID)))
		return false, true, nil
	}

	// Lost the race to a concurrent submit or sweep; reflect what actually
	// won so callers report the truthful outcome.
	current, err := s.repo.FindByID(ctx, s.db, sess.ID)
	if err != nil {
		return false, false, err
	}
	sess.Status = current.Status
	sess.SubmittedAt = current.SubmittedAt
	sess.ResultID = current.ResultID
	return false, false, nil
}

func (s *Service) FindOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Session, error) {
	return s.repo.FindOverdue(ctx, s.db, now, limit)
}
