package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/clock"
	resultdomain "github.com/skillgate/skillgate/internal/result/domain"
	"github.com/skillgate/skillgate/internal/shortlist/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidAction = errors.New("invalid_shortlist_action")

const (
	ActionAccept   = "accept"
	ActionReject   = "reject"
	ActionEvaluate = "evaluate"
)

type Request struct {
	ExamID        snowflake.ID
	InvitationIDs []snowflake.ID
	Action        string
	Comment       string
	Criteria      domain.Criteria
	DecidedBy     string
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Results resultdomain.Repository
	Ranks   domain.RankProvider
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	results resultdomain.Repository
	ranks   domain.RankProvider
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("shortlist.service"),
		clock:   p.Clock,
		results: p.Results,
		ranks:   p.Ranks,
	}
}

// Shortlist writes the decision sub-record on every result matched by the
// invitation ids. Decisions may be re-set by a later call; they are never
// cleared. Returns how many results were updated.
func (s *Service) Shortlist(ctx context.Context, req Request) (int, error) {
	action := strings.ToLower(strings.TrimSpace(req.Action))
	switch action {
	case ActionAccept, ActionReject:
	case ActionEvaluate:
		if !req.Criteria.Configured() {
			return 0, ErrInvalidAction
		}
	default:
		return 0, ErrInvalidAction
	}

	results, err := s.results.FindByInvitationIDs(ctx, s.db, req.ExamID, req.InvitationIDs)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	updated := 0
	for _, res := range results {
		decision := resultdomain.ShortlistDecision{
			DecidedAt: &now,
			DecidedBy: req.DecidedBy,
		}

		switch action {
		case ActionAccept:
			accepted := true
			decision.Accepted = &accepted
			decision.Rationale = rationale("manually shortlisted", req.Comment)
		case ActionReject:
			accepted := false
			decision.Accepted = &accepted
			decision.Rationale = rationale("manually rejected", req.Comment)
		case ActionEvaluate:
			rank, err := s.ranks.Rank(ctx, req.ExamID, res.ID)
			if err != nil {
				return updated, err
			}
			outcome := domain.Evaluate(res.Breakdown(), rank, req.Criteria)
			decision.Accepted = &outcome.Accepted
			decision.Rationale = rationale(outcome.Rationale, req.Comment)
		}

		if err := s.results.UpdateShortlist(ctx, s.db, res.ID, decision); err != nil {
			return updated, err
		}
		updated++
	}

	s.log.Info("shortlist applied",
		zap.Int64("exam_id", int64(req.ExamID)),
		zap.String("action", action),
		zap.Int("updated", updated))

	return updated, nil
}

func rationale(base, comment string) string {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return base
	}
	return base + "; " + comment
}

// dbRanks derives cohort standing from stored results: rank on total score
// descending, percentile as the share of the cohort at or below this score.
type dbRanks struct {
	db      *gorm.DB
	results resultdomain.Repository
}

func NewRankProvider(db *gorm.DB, results resultdomain.Repository) domain.RankProvider {
	return &dbRanks{db: db, results: results}
}

func (r *dbRanks) Rank(ctx context.Context, examID, resultID snowflake.ID) (domain.RankContext, error) {
	res, err := r.results.FindByID(ctx, r.db, resultID)
	if err != nil {
		return domain.RankContext{}, err
	}
	rank, cohort, err := r.results.Standing(ctx, r.db, examID, res.TotalScore)
	if err != nil {
		return domain.RankContext{}, err
	}
	rc := domain.RankContext{Rank: rank, CohortSize: cohort}
	if cohort > 0 {
		rc.Percentile = float64(cohort-rank) / float64(cohort) * 100
	}
	return rc, nil
}
