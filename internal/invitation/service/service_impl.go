package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/clock"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	"github.com/skillgate/skillgate/internal/invitation/domain"
	"github.com/skillgate/skillgate/internal/notification"
	"github.com/skillgate/skillgate/internal/orgcontext"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultValidity = 7 * 24 * time.Hour

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Catalog    examdomain.Catalog
	Sessions   sessiondomain.Service
	Dispatcher notification.Dispatcher
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	catalog    examdomain.Catalog
	sessions   sessiondomain.Service
	dispatcher notification.Dispatcher
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("invitation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		catalog:    p.Catalog,
		sessions:   p.Sessions,
		dispatcher: p.Dispatcher,
	}
}

func (s *Service) Send(ctx context.Context, req domain.SendRequest) ([]domain.SendOutcome, error) {
	orgID := req.OrgID
	if ctxOrg, ok := orgcontext.OrgIDFromContext(ctx); ok && ctxOrg != 0 {
		orgID = ctxOrg
	}
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if len(req.Recipients) == 0 {
		return nil, domain.ErrNoRecipients
	}

	exam, err := s.catalog.GetExam(ctx, req.ExamID)
	if err != nil {
		return nil, err
	}
	if exam.OrgID != orgID {
		return nil, examdomain.ErrNotFound
	}
	if exam.AccessMode == examdomain.AccessEnrollment {
		return nil, domain.ErrAccessMode
	}

	validity := req.Validity
	if validity <= 0 {
		validity = defaultValidity
	}
	now := s.clock.Now()

	outcomes := make([]domain.SendOutcome, 0, len(req.Recipients))
	for _, recipient := range req.Recipients {
		outcome := domain.SendOutcome{Recipient: recipient}

		email := strings.ToLower(strings.TrimSpace(recipient.Email))
		open, err := s.repo.HasOpenForRecipient(ctx, s.db, req.ExamID, email, now)
		if err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}
		if open {
			// One live invitation per recipient per exam; siblings in the
			// same batch are unaffected.
			outcome.Err = domain.ErrDuplicate
			outcomes = append(outcomes, outcome)
			continue
		}

		token, err := newToken()
		if err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}

		inv := &domain.Invitation{
			ID:             s.genID.Generate(),
			Token:          token,
			ExamID:         req.ExamID,
			OrgID:          orgID,
			RecipientName:  strings.TrimSpace(recipient.Name),
			RecipientEmail: email,
			RecipientPhone: strings.TrimSpace(recipient.Phone),
			Status:         domain.StatusPending,
			ExpiresAt:      now.Add(validity),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.Insert(ctx, s.db, inv); err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}

		outcome.Invitation = inv
		outcome.Token = token
		outcomes = append(outcomes, outcome)

		if err := s.dispatcher.Enqueue(ctx, "invitation.send", map[string]any{
			"invitation_id": inv.ID,
			"exam_id":       inv.ExamID,
			"exam_title":    exam.Title,
			"recipient":     inv.RecipientEmail,
			"token":         token,
			"expires_at":    inv.ExpiresAt,
		}, 0); err != nil {
			// Delivery is the consumer's concern; a queue hiccup must not
			// fail the send.
			s.log.Warn("invitation notification enqueue failed",
				zap.Int64("invitation_id", int64(inv.ID)),
				zap.Error(err))
		}
	}

	return outcomes, nil
}

// resolve loads by token and applies the lazy expiry and terminal-state
// checks shared by Access and Start.
func (s *Service) resolve(ctx context.Context, token string) (*domain.Invitation, error) {
	inv, err := s.repo.FindByToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}

	switch inv.Status {
	case domain.StatusRevoked:
		return nil, domain.ErrRevoked
	case domain.StatusExpired:
		return nil, domain.ErrExpired
	}

	now := s.clock.Now()
	if (inv.Status == domain.StatusPending || inv.Status == domain.StatusAccessed) &&
		!now.Before(inv.ExpiresAt) {
		if _, err := s.repo.TransitionStatus(ctx, s.db, inv.ID,
			[]domain.Status{domain.StatusPending, domain.StatusAccessed},
			domain.StatusExpired,
			map[string]any{"updated_at": now}); err != nil {
			return nil, err
		}
		return nil, domain.ErrExpired
	}

	return inv, nil
}

func (s *Service) Access(ctx context.Context, token string) (*domain.AccessResult, error) {
	inv, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	exam, err := s.catalog.GetExam(ctx, inv.ExamID)
	if err != nil {
		return nil, err
	}

	res := &domain.AccessResult{Invitation: inv, Exam: exam}

	if inv.Status == domain.StatusCompleted {
		res.Message = "This invitation has already been used."
		return res, nil
	}

	now := s.clock.Now()
	if err := s.repo.RecordAccess(ctx, s.db, inv.ID, now); err != nil {
		return nil, err
	}
	inv.AccessCount++
	if inv.FirstAccessedAt == nil {
		inv.FirstAccessedAt = &now
	}

	if inv.Status == domain.StatusPending {
		if _, err := s.repo.TransitionStatus(ctx, s.db, inv.ID,
			[]domain.Status{domain.StatusPending}, domain.StatusAccessed,
			map[string]any{"updated_at": now}); err != nil {
			return nil, err
		}
		inv.Status = domain.StatusAccessed
	}

	if inv.Status == domain.StatusStarted {
		sess, canRestart, err := s.restartable(ctx, inv, exam)
		if err != nil {
			return nil, err
		}
		if domain.Usable(inv, sess) && sess != nil {
			res.Message = "An attempt is already in progress."
			return res, nil
		}
		if !canRestart {
			res.Message = "Your attempt has ended."
			return res, nil
		}
		res.CanStart = true
		res.Message = "Your previous attempt ended. You may start again."
		return res, nil
	}

	res.CanStart = true
	return res, nil
}

// restartable reports whether a STARTED invitation may open a fresh attempt:
// the linked session must have ended and the exam must allow multiple
// access. The session's end-time check runs first so the answer reflects
// current state.
func (s *Service) restartable(ctx context.Context, inv *domain.Invitation, exam *examdomain.Exam) (*sessiondomain.Session, bool, error) {
	if inv.SessionID == nil {
		return nil, true, nil
	}
	sess, err := s.sessions.Get(ctx, *inv.SessionID)
	if err != nil {
		return nil, false, err
	}
	if _, _, err := s.sessions.CheckAndMaybeExpire(ctx, sess); err != nil {
		return nil, false, err
	}
	if !sess.Status.Terminal() {
		return sess, false, nil
	}
	return sess, exam.AllowMultipleAccess, nil
}

func (s *Service) Start(ctx context.Context, token string) (*domain.StartResult, error) {
	inv, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	exam, err := s.catalog.GetExam(ctx, inv.ExamID)
	if err != nil {
		return nil, err
	}

	var from []domain.Status
	switch inv.Status {
	case domain.StatusAccessed:
		from = []domain.Status{domain.StatusAccessed}
	case domain.StatusStarted:
		sess, canRestart, err := s.restartable(ctx, inv, exam)
		if err != nil {
			return nil, err
		}
		if sess != nil && !sess.Status.Terminal() {
			return nil, domain.ErrInvalidState
		}
		if !canRestart {
			return nil, domain.ErrInvalidState
		}
		from = []domain.Status{domain.StatusStarted}
	default:
		return nil, domain.ErrInvalidState
	}

	sess, err := s.sessions.Create(ctx, sessiondomain.CreateRequest{
		ExamID:       inv.ExamID,
		OrgID:        inv.OrgID,
		Source:       sessiondomain.SourceInvitation,
		InvitationID: &inv.ID,
		Guest: sessiondomain.GuestIdentity{
			Name:  inv.RecipientName,
			Email: inv.RecipientEmail,
			Phone: inv.RecipientPhone,
		},
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ok, err := s.repo.TransitionStatus(ctx, s.db, inv.ID, from, domain.StatusStarted,
		map[string]any{
			"session_id": sess.ID,
			"started_at": now,
			"updated_at": now,
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a double-start race; the orphaned session times out on its
		// own via the sweep.
		return nil, domain.ErrInvalidState
	}

	inv.Status = domain.StatusStarted
	inv.SessionID = &sess.ID
	inv.StartedAt = &now

	s.log.Info("invitation started",
		zap.Int64("invitation_id", int64(inv.ID)),
		zap.Int64("session_id", int64(sess.ID)),
		zap.Int64("exam_id", int64(inv.ExamID)))

	return &domain.StartResult{Invitation: inv, Exam: exam, Session: sess}, nil
}

func (s *Service) Complete(ctx context.Context, invitationID, resultID snowflake.ID) error {
	inv, err := s.repo.FindByID(ctx, s.db, invitationID)
	if err != nil {
		return err
	}

	exam, err := s.catalog.GetExam(ctx, inv.ExamID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	set := map[string]any{
		"result_id":    resultID,
		"completed_at": now,
		"updated_at":   now,
	}
	to := domain.StatusCompleted
	if !exam.AutoExpireOnSubmit && exam.AllowMultipleAccess {
		// Retake-eligible invitations return to ACCESSED with the latest
		// result recorded, ready for a fresh start.
		to = domain.StatusAccessed
		set["session_id"] = nil
	}

	ok, err := s.repo.TransitionStatus(ctx, s.db, invitationID,
		[]domain.Status{domain.StatusStarted}, to, set)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidState
	}

	s.log.Info("invitation completed",
		zap.Int64("invitation_id", int64(invitationID)),
		zap.Int64("result_id", int64(resultID)),
		zap.String("status", string(to)))

	return nil
}

func (s *Service) Revoke(ctx context.Context, id snowflake.ID) error {
	inv, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok && orgID != 0 && inv.OrgID != orgID {
		return domain.ErrNotFound
	}
	if inv.Status.Terminal() {
		return domain.ErrInvalidState
	}

	ok, err := s.repo.TransitionStatus(ctx, s.db, id,
		[]domain.Status{domain.StatusPending, domain.StatusAccessed, domain.StatusStarted},
		domain.StatusRevoked,
		map[string]any{"updated_at": s.clock.Now()})
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidState
	}

	s.log.Info("invitation revoked", zap.Int64("invitation_id", int64(id)))
	return nil
}

func (s *Service) FindByToken(ctx context.Context, token string) (*domain.Invitation, error) {
	return s.repo.FindByToken(ctx, s.db, token)
}

func (s *Service) FindByID(ctx context.Context, id snowflake.ID) (*domain.Invitation, error) {
	return s.repo.FindByID(ctx, s.db, id)
}

func (s *Service) ExpireOverdue(ctx context.Context, now time.Time, limit int) (int, error) {
	overdue, err := s.repo.FindOverdue(ctx, s.db, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, inv := range overdue {
		ok, err := s.repo.TransitionStatus(ctx, s.db, inv.ID,
			[]domain.Status{domain.StatusPending, domain.StatusAccessed},
			domain.StatusExpired,
			map[string]any{"updated_at": now})
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
