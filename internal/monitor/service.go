package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/clock"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
	"github.com/skillgate/skillgate/internal/orgcontext"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// activityFeedLimit caps the recency-ordered feed and the recent-violation
// list in a snapshot.
const activityFeedLimit = 20

type Participation struct {
	Invited    int64 `json:"invited"`
	Started    int64 `json:"started"`
	InProgress int64 `json:"in_progress"`
	Submitted  int64 `json:"submitted"`
	NotStarted int64 `json:"not_started"`
}

type ActivityItem struct {
	At        time.Time    `json:"at"`
	Kind      string       `json:"kind"`
	SessionID snowflake.ID `json:"session_id"`
	Candidate string       `json:"candidate,omitempty"`
	Detail    string       `json:"detail,omitempty"`
}

type ViolationItem struct {
	At        time.Time    `json:"at"`
	SessionID snowflake.ID `json:"session_id"`
	Kind      string       `json:"kind"`
	Severity  string       `json:"severity"`
}

type ViolationSummary struct {
	Total  int64           `json:"total"`
	Recent []ViolationItem `json:"recent"`
}

type LiveSession struct {
	SessionID      snowflake.ID `json:"session_id"`
	Candidate      string       `json:"candidate,omitempty"`
	Status         string       `json:"status"`
	ElapsedSeconds int64        `json:"elapsed_seconds"`
	WarningCount   int          `json:"warning_count"`
}

type Snapshot struct {
	ExamID        snowflake.ID     `json:"exam_id,omitempty"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Participation Participation    `json:"participation"`
	Activity      []ActivityItem   `json:"activity"`
	Violations    ViolationSummary `json:"violations"`
	InProgress    []LiveSession    `json:"in_progress"`
}

// Service aggregates live exam state by reading storage directly. It is a
// pure read path: snapshots never mutate sessions or invitations, so a
// monitoring dashboard cannot perturb a running attempt.
type Service struct {
	db    *gorm.DB
	clock clock.Clock
	log   *zap.Logger
}

func NewService(db *gorm.DB, clk clock.Clock, log *zap.Logger) *Service {
	return &Service{db: db, clock: clk, log: log.Named("monitor.service")}
}

// Snapshot builds the aggregate for one exam; examID zero widens the scope
// to every exam in the caller's org.
func (s *Service) Snapshot(ctx context.Context, examID snowflake.ID) (*Snapshot, error) {
	now := s.clock.Now()
	snap := &Snapshot{ExamID: examID, GeneratedAt: now}

	scope := func(q *gorm.DB) *gorm.DB {
		if examID != 0 {
			q = q.Where("exam_id = ?", examID)
		}
		if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok {
			q = q.Where("org_id = ?", orgID)
		}
		return q
	}

	if err := scope(s.db.WithContext(ctx).Model(&invitationdomain.Invitation{})).
		Count(&snap.Participation.Invited).Error; err != nil {
		return nil, err
	}

	var sessions []*sessiondomain.Session
	if err := scope(s.db.WithContext(ctx).Model(&sessiondomain.Session{})).
		Order("started_at desc").
		Find(&sessions).Error; err != nil {
		return nil, err
	}

	for _, sess := range sessions {
		snap.Participation.Started++
		switch sess.Status {
		case sessiondomain.StatusActive, sessiondomain.StatusInProgress:
			snap.Participation.InProgress++
			elapsed := int64(now.Sub(sess.StartedAt) / time.Second)
			if elapsed < 0 {
				elapsed = 0
			}
			snap.InProgress = append(snap.InProgress, LiveSession{
				SessionID:      sess.ID,
				Candidate:      candidateLabel(sess),
				Status:         string(sess.Status),
				ElapsedSeconds: elapsed,
				WarningCount:   sess.WarningCount,
			})
		default:
			snap.Participation.Submitted++
		}

		snap.Activity = append(snap.Activity, ActivityItem{
			At:        sess.StartedAt,
			Kind:      "session_started",
			SessionID: sess.ID,
			Candidate: candidateLabel(sess),
		})
		if sess.SubmittedAt != nil {
			snap.Activity = append(snap.Activity, ActivityItem{
				At:        *sess.SubmittedAt,
				Kind:      "session_ended",
				SessionID: sess.ID,
				Candidate: candidateLabel(sess),
				Detail:    string(sess.Status),
			})
		}
	}
	snap.Participation.NotStarted = snap.Participation.Invited - snap.Participation.Started
	if snap.Participation.NotStarted < 0 {
		snap.Participation.NotStarted = 0
	}

	if err := scope(s.db.WithContext(ctx).Model(&sessiondomain.Violation{})).
		Count(&snap.Violations.Total).Error; err != nil {
		return nil, err
	}
	var violations []*sessiondomain.Violation
	if err := scope(s.db.WithContext(ctx).Model(&sessiondomain.Violation{})).
		Order("created_at desc").
		Limit(activityFeedLimit).
		Find(&violations).Error; err != nil {
		return nil, err
	}
	for _, v := range violations {
		snap.Violations.Recent = append(snap.Violations.Recent, ViolationItem{
			At:        v.CreatedAt,
			SessionID: v.SessionID,
			Kind:      v.Kind,
			Severity:  v.Severity,
		})
		snap.Activity = append(snap.Activity, ActivityItem{
			At:        v.CreatedAt,
			Kind:      "violation",
			SessionID: v.SessionID,
			Detail:    v.Kind,
		})
	}

	sort.SliceStable(snap.Activity, func(i, j int) bool {
		return snap.Activity[i].At.After(snap.Activity[j].At)
	})
	if len(snap.Activity) > activityFeedLimit {
		snap.Activity = snap.Activity[:activityFeedLimit]
	}

	return snap, nil
}

func candidateLabel(sess *sessiondomain.Session) string {
	if sess.Guest.Name != "" {
		return sess.Guest.Name
	}
	return sess.Guest.Email
}
