package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/session/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repository struct{}

func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) Insert(ctx context.Context, db *gorm.DB, sess *domain.Session) error {
	return db.WithContext(ctx).Create(sess).Error
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Session, error) {
	var sess domain.Session
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Take(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *repository) TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.Status, to domain.Status, set map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range set {
		updates[k] = v
	}
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) SaveAnswers(ctx context.Context, db *gorm.DB, id snowflake.ID, answers map[string]any, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND status IN ?", id,
			[]domain.Status{domain.StatusActive, domain.StatusInProgress}).
		Updates(map[string]any{
			"answers":    datatypes.JSONMap(answers),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) InsertViolation(ctx context.Context, db *gorm.DB, v *domain.Violation) error {
	return db.WithContext(ctx).Create(v).Error
}

func (r *repository) IncrementWarnings(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"warning_count": gorm.Expr("warning_count + 1"),
			"updated_at":    now,
		}).Error
}

func (r *repository) FindOverdue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := db.WithContext(ctx).
		Where("status IN ?", []domain.Status{domain.StatusActive, domain.StatusInProgress}).
		Where("ends_at <= ?", now).
		Order("ends_at asc").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
