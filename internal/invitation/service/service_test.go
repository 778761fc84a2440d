package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/skillgate/skillgate/internal/clock"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	examrepository "github.com/skillgate/skillgate/internal/exam/repository"
	"github.com/skillgate/skillgate/internal/grading"
	"github.com/skillgate/skillgate/internal/invitation/domain"
	"github.com/skillgate/skillgate/internal/invitation/repository"
	"github.com/skillgate/skillgate/internal/monitor"
	"github.com/skillgate/skillgate/internal/notification"
	"github.com/skillgate/skillgate/internal/orgcontext"
	resultrepository "github.com/skillgate/skillgate/internal/result/repository"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	sessionrepository "github.com/skillgate/skillgate/internal/session/repository"
	sessionservice "github.com/skillgate/skillgate/internal/session/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var idgen *snowflake.Node

func init() {
	idgen, _ = snowflake.NewNode(4)
}

func setupDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file:invitation_service_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	// Setup schema
	db.Exec(`CREATE TABLE IF NOT EXISTS exams (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		title TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		total_marks REAL NOT NULL,
		passing_marks REAL NOT NULL,
		negative_marking BOOLEAN NOT NULL DEFAULT FALSE,
		penalty_per_wrong REAL NOT NULL DEFAULT 0,
		access_mode TEXT NOT NULL DEFAULT 'INVITATION',
		allow_multiple_access BOOLEAN NOT NULL DEFAULT FALSE,
		auto_expire_on_submit BOOLEAN NOT NULL DEFAULT TRUE,
		show_results BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec(`CREATE TABLE IF NOT EXISTS questions (
		id BIGINT PRIMARY KEY,
		exam_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		marks REAL NOT NULL,
		options TEXT,
		correct_answer TEXT,
		section TEXT,
		position INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`)
	db.Exec(`CREATE TABLE IF NOT EXISTS invitations (
		id BIGINT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		exam_id BIGINT NOT NULL,
		org_id BIGINT NOT NULL,
		recipient_name TEXT NOT NULL,
		recipient_email TEXT NOT NULL,
		recipient_phone TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		expires_at TIMESTAMP NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		first_accessed_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		session_id BIGINT,
		result_id BIGINT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id BIGINT PRIMARY KEY,
		exam_id BIGINT NOT NULL,
		org_id BIGINT NOT NULL,
		user_id BIGINT,
		invitation_id BIGINT,
		guest_name TEXT,
		guest_email TEXT,
		guest_phone TEXT,
		source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		started_at TIMESTAMP NOT NULL,
		ends_at TIMESTAMP NOT NULL,
		answers TEXT NOT NULL DEFAULT '{}',
		warning_count INTEGER NOT NULL DEFAULT 0,
		submitted_at TIMESTAMP,
		result_id BIGINT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec(`CREATE TABLE IF NOT EXISTS session_violations (
		id BIGINT PRIMARY KEY,
		session_id BIGINT NOT NULL,
		exam_id BIGINT NOT NULL,
		org_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'LOW',
		created_at TIMESTAMP NOT NULL
	)`)
	db.Exec(`CREATE TABLE IF NOT EXISTS results (
		id BIGINT PRIMARY KEY,
		exam_id BIGINT NOT NULL,
		org_id BIGINT NOT NULL,
		session_id BIGINT NOT NULL,
		invitation_id BIGINT,
		user_id BIGINT,
		questions TEXT,
		section_scores TEXT,
		analysis TEXT,
		total_score REAL NOT NULL,
		total_marks REAL NOT NULL,
		percentage REAL NOT NULL,
		passed BOOLEAN NOT NULL,
		time_spent_seconds INTEGER NOT NULL DEFAULT 0,
		visible_to_candidate BOOLEAN NOT NULL DEFAULT FALSE,
		shortlist_accepted BOOLEAN,
		shortlist_rationale TEXT,
		shortlist_decided_at TIMESTAMP,
		shortlist_decided_by TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)

	return db
}

type harness struct {
	db       *gorm.DB
	clk      *clock.FakeClock
	svc      *Service
	sessions sessiondomain.Service
}

func newHarness(t *testing.T) *harness {
	db := setupDB(t)
	clk := clock.NewFakeClock(time.Now())
	log := zaptest.NewLogger(t)
	catalog := examrepository.Provide(db)

	hub := monitor.NewHub(func(ctx context.Context, examID snowflake.ID) (*monitor.Snapshot, error) {
		return &monitor.Snapshot{ExamID: examID}, nil
	}, clk, log, time.Hour, time.Hour)

	sessions := sessionservice.New(sessionservice.Params{
		DB:         db,
		Log:        log,
		GenID:      idgen,
		Clock:      clk,
		Repo:       sessionrepository.Provide(),
		ResultRepo: resultrepository.Provide(),
		Catalog:    catalog,
		Hub:        hub,
	})

	svc := &Service{
		db:         db,
		log:        log,
		genID:      idgen,
		clock:      clk,
		repo:       repository.Provide(),
		catalog:    catalog,
		sessions:   sessions,
		dispatcher: notification.NewNoopDispatcher(log),
	}
	return &harness{db: db, clk: clk, svc: svc, sessions: sessions}
}

func (h *harness) seedExam(t *testing.T, mutate func(*examdomain.Exam)) *examdomain.Exam {
	now := time.Now().UTC()
	exam := &examdomain.Exam{
		ID:              idgen.Generate(),
		OrgID:           idgen.Generate(),
		Title:           "Backend Screening",
		DurationMinutes: 60,
		TotalMarks:      5,
		PassingMarks:    2,
		AccessMode:      examdomain.AccessInvitation,
		ShowResults:     true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(exam)
	}
	require.NoError(t, h.db.Create(exam).Error)

	question := &examdomain.Question{
		ID:     idgen.Generate(),
		ExamID: exam.ID,
		Type:   grading.MultipleChoice,
		Text:   "Pick the concurrency primitive",
		Marks:  5,
		Options: []examdomain.Option{
			{ID: "a", Text: "goroutine", Correct: true},
			{ID: "b", Text: "thread"},
		},
		Position:  1,
		CreatedAt: now,
	}
	require.NoError(t, h.db.Create(question).Error)
	return exam
}

func (h *harness) send(t *testing.T, exam *examdomain.Exam, email string) domain.SendOutcome {
	ctx := orgcontext.WithOrgID(context.Background(), int64(exam.OrgID))
	outcomes, err := h.svc.Send(ctx, domain.SendRequest{
		ExamID:     exam.ID,
		Recipients: []domain.Recipient{{Name: "Dewi", Email: email}},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	return outcomes[0]
}

func TestSend(t *testing.T) {
	h := newHarness(t)
	exam := h.seedExam(t, nil)
	ctx := orgcontext.WithOrgID(context.Background(), int64(exam.OrgID))

	t.Run("CreatesPendingInvitations", func(t *testing.T) {
		outcomes, err := h.svc.Send(ctx, domain.SendRequest{
			ExamID: exam.ID,
			Recipients: []domain.Recipient{
				{Name: "Dewi", Email: "Dewi@Example.com"},
				{Name: "Putra", Email: "putra@example.com"},
			},
		})
		require.NoError(t, err)
		require.Len(t, outcomes, 2)

		for _, outcome := range outcomes {
			require.NoError(t, outcome.Err)
			assert.NotEmpty(t, outcome.Token)
			assert.Equal(t, domain.StatusPending, outcome.Invitation.Status)
			assert.Equal(t, h.clk.Now().Add(7*24*time.Hour), outcome.Invitation.ExpiresAt)
		}
		// Email is normalized before storage and duplicate checks.
		assert.Equal(t, "dewi@example.com", outcomes[0].Invitation.RecipientEmail)
	})

	t.Run("DuplicateRecipientDoesNotBlockSiblings", func(t *testing.T) {
		outcomes, err := h.svc.Send(ctx, domain.SendRequest{
			ExamID: exam.ID,
			Recipients: []domain.Recipient{
				{Name: "Dewi", Email: "dewi@example.com"},
				{Name: "Sari", Email: "sari@example.com"},
			},
		})
		require.NoError(t, err)
		require.Len(t, outcomes, 2)
		assert.ErrorIs(t, outcomes[0].Err, domain.ErrDuplicate)
		assert.NoError(t, outcomes[1].Err)
	})

	t.Run("RequiresOrganization", func(t *testing.T) {
		_, err := h.svc.Send(context.Background(), domain.SendRequest{
			ExamID:     exam.ID,
			Recipients: []domain.Recipient{{Name: "Dewi", Email: "x@example.com"}},
		})
		assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
	})

	t.Run("RequiresRecipients", func(t *testing.T) {
		_, err := h.svc.Send(ctx, domain.SendRequest{ExamID: exam.ID})
		assert.ErrorIs(t, err, domain.ErrNoRecipients)
	})

	t.Run("ExamFromAnotherOrgHidden", func(t *testing.T) {
		other := orgcontext.WithOrgID(context.Background(), int64(idgen.Generate()))
		_, err := h.svc.Send(other, domain.SendRequest{
			ExamID:     exam.ID,
			Recipients: []domain.Recipient{{Name: "Dewi", Email: "y@example.com"}},
		})
		assert.ErrorIs(t, err, examdomain.ErrNotFound)
	})

	t.Run("EnrollmentExamRejected", func(t *testing.T) {
		enrollment := h.seedExam(t, func(e *examdomain.Exam) {
			e.AccessMode = examdomain.AccessEnrollment
		})
		ctx := orgcontext.WithOrgID(context.Background(), int64(enrollment.OrgID))
		_, err := h.svc.Send(ctx, domain.SendRequest{
			ExamID:     enrollment.ID,
			Recipients: []domain.Recipient{{Name: "Dewi", Email: "z@example.com"}},
		})
		assert.ErrorIs(t, err, domain.ErrAccessMode)
	})
}

func TestAccess(t *testing.T) {
	ctx := context.Background()

	t.Run("PendingBecomesAccessed", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		res, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		assert.True(t, res.CanStart)
		assert.Equal(t, exam.ID, res.Exam.ID)

		stored, err := h.svc.FindByToken(ctx, sent.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAccessed, stored.Status)
		assert.Equal(t, 1, stored.AccessCount)
		assert.NotNil(t, stored.FirstAccessedAt)

		// A second access only bumps the counter.
		_, err = h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		stored, err = h.svc.FindByToken(ctx, sent.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAccessed, stored.Status)
		assert.Equal(t, 2, stored.AccessCount)
	})

	t.Run("LazyExpiryOnRead", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		h.clk.Advance(7*24*time.Hour + time.Minute)

		_, err := h.svc.Access(ctx, sent.Token)
		assert.ErrorIs(t, err, domain.ErrExpired)

		stored, err := h.svc.FindByToken(ctx, sent.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExpired, stored.Status)
		assert.Equal(t, 0, stored.AccessCount)

		// Repeat reads stay expired without further writes.
		_, err = h.svc.Access(ctx, sent.Token)
		assert.ErrorIs(t, err, domain.ErrExpired)
	})

	t.Run("UnknownToken", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Access(ctx, "no-such-token")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStart(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesSessionAndLinksIt", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		_, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)

		res, err := h.svc.Start(ctx, sent.Token)
		require.NoError(t, err)
		require.NotNil(t, res.Session)
		assert.Equal(t, sessiondomain.StatusActive, res.Session.Status)
		assert.Equal(t, "dewi@example.com", res.Session.Guest.Email)
		require.NotNil(t, res.Session.InvitationID)
		assert.Equal(t, sent.Invitation.ID, *res.Session.InvitationID)

		stored, err := h.svc.FindByToken(ctx, sent.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusStarted, stored.Status)
		require.NotNil(t, stored.SessionID)
		assert.Equal(t, res.Session.ID, *stored.SessionID)
	})

	t.Run("PendingCannotStart", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		_, err := h.svc.Start(ctx, sent.Token)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("SecondStartWhileAttemptLive", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		_, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		_, err = h.svc.Start(ctx, sent.Token)
		require.NoError(t, err)

		_, err = h.svc.Start(ctx, sent.Token)
		assert.ErrorIs(t, err, domain.ErrInvalidState)

		res, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		assert.False(t, res.CanStart)
		assert.Equal(t, "An attempt is already in progress.", res.Message)
	})

	t.Run("AbandonedAttemptWithoutRetake", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		_, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		_, err = h.svc.Start(ctx, sent.Token)
		require.NoError(t, err)

		h.clk.Advance(2 * time.Hour)

		res, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		assert.False(t, res.CanStart)
		assert.Equal(t, "Your attempt has ended.", res.Message)

		_, err = h.svc.Start(ctx, sent.Token)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("AbandonedAttemptWithRetake", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, func(e *examdomain.Exam) {
			e.AllowMultipleAccess = true
		})
		sent := h.send(t, exam, "dewi@example.com")

		_, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		first, err := h.svc.Start(ctx, sent.Token)
		require.NoError(t, err)

		h.clk.Advance(2 * time.Hour)

		res, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		assert.True(t, res.CanStart)
		assert.Equal(t, "Your previous attempt ended. You may start again.", res.Message)

		second, err := h.svc.Start(ctx, sent.Token)
		require.NoError(t, err)
		assert.NotEqual(t, first.Session.ID, second.Session.ID)

		// The abandoned session stays timed out.
		old, err := h.sessions.Get(ctx, first.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, sessiondomain.StatusTimedOut, old.Status)
	})
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("FinalizesInvitation", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		_, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		_, err = h.svc.Start(ctx, sent.Token)
		require.NoError(t, err)

		resultID := idgen.Generate()
		require.NoError(t, h.svc.Complete(ctx, sent.Invitation.ID, resultID))

		stored, err := h.svc.FindByToken(ctx, sent.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, stored.Status)
		require.NotNil(t, stored.ResultID)
		assert.Equal(t, resultID, *stored.ResultID)

		// The used token reports itself, without an access bump.
		res, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		assert.False(t, res.CanStart)
		assert.Equal(t, "This invitation has already been used.", res.Message)

		after, err := h.svc.FindByToken(ctx, sent.Token)
		require.NoError(t, err)
		assert.Equal(t, stored.AccessCount, after.AccessCount)
	})

	t.Run("RetakeReturnsToAccessed", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, func(e *examdomain.Exam) {
			e.AllowMultipleAccess = true
			e.AutoExpireOnSubmit = false
		})
		sent := h.send(t, exam, "dewi@example.com")

		_, err := h.svc.Access(ctx, sent.Token)
		require.NoError(t, err)
		_, err = h.svc.Start(ctx, sent.Token)
		require.NoError(t, err)

		require.NoError(t, h.svc.Complete(ctx, sent.Invitation.ID, idgen.Generate()))

		stored, err := h.svc.FindByToken(ctx, sent.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAccessed, stored.Status)
		assert.Nil(t, stored.SessionID)

		// A fresh attempt opens immediately.
		_, err = h.svc.Start(ctx, sent.Token)
		require.NoError(t, err)
	})

	t.Run("RequiresStartedState", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		err := h.svc.Complete(ctx, sent.Invitation.ID, idgen.Generate())
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("RevokesOpenInvitation", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		require.NoError(t, h.svc.Revoke(ctx, sent.Invitation.ID))

		_, err := h.svc.Access(ctx, sent.Token)
		assert.ErrorIs(t, err, domain.ErrRevoked)
	})

	t.Run("TerminalInvitationRejected", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		require.NoError(t, h.svc.Revoke(ctx, sent.Invitation.ID))
		err := h.svc.Revoke(ctx, sent.Invitation.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("ScopedToCallerOrg", func(t *testing.T) {
		h := newHarness(t)
		exam := h.seedExam(t, nil)
		sent := h.send(t, exam, "dewi@example.com")

		other := orgcontext.WithOrgID(ctx, int64(idgen.Generate()))
		err := h.svc.Revoke(other, sent.Invitation.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestExpireOverdue(t *testing.T) {
	h := newHarness(t)
	exam := h.seedExam(t, nil)
	ctx := context.Background()

	first := h.send(t, exam, "dewi@example.com")
	second := h.send(t, exam, "putra@example.com")

	h.clk.Advance(8 * 24 * time.Hour)

	expired, err := h.svc.ExpireOverdue(ctx, h.clk.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	for _, sent := range []domain.SendOutcome{first, second} {
		stored, err := h.svc.FindByToken(ctx, sent.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExpired, stored.Status)
	}

	// Second sweep finds nothing to flip.
	expired, err = h.svc.ExpireOverdue(ctx, h.clk.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}
