package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/result/domain"
	"gorm.io/gorm"
)

type repository struct{}

func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) Insert(ctx context.Context, db *gorm.DB, res *domain.Result) error {
	return db.WithContext(ctx).Create(res).Error
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Result, error) {
	var res domain.Result
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Take(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *repository) FindBySessionID(ctx context.Context, db *gorm.DB, sessionID snowflake.ID) (*domain.Result, error) {
	var res domain.Result
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *repository) FindByInvitationIDs(ctx context.Context, db *gorm.DB, examID snowflake.ID, invitationIDs []snowflake.ID) ([]*domain.Result, error) {
	if len(invitationIDs) == 0 {
		return nil, nil
	}
	var results []*domain.Result
	err := db.WithContext(ctx).
		Where("exam_id = ? AND invitation_id IN ?", examID, invitationIDs).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *repository) UpdateShortlist(ctx context.Context, db *gorm.DB, id snowflake.ID, decision domain.ShortlistDecision) error {
	res := db.WithContext(ctx).
		Model(&domain.Result{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"shortlist_accepted":   decision.Accepted,
			"shortlist_rationale":  decision.Rationale,
			"shortlist_decided_at": decision.DecidedAt,
			"shortlist_decided_by": decision.DecidedBy,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repository) Standing(ctx context.Context, db *gorm.DB, examID snowflake.ID, totalScore float64) (int, int, error) {
	var above, cohort int64
	err := db.WithContext(ctx).
		Model(&domain.Result{}).
		Where("exam_id = ? AND total_score > ?", examID, totalScore).
		Count(&above).Error
	if err != nil {
		return 0, 0, err
	}
	err = db.WithContext(ctx).
		Model(&domain.Result{}).
		Where("exam_id = ?", examID).
		Count(&cohort).Error
	if err != nil {
		return 0, 0, err
	}
	return int(above) + 1, int(cohort), nil
}
