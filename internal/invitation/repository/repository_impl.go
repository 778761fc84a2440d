package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/invitation/domain"
	"gorm.io/gorm"
)

type repository struct{}

func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) Insert(ctx context.Context, db *gorm.DB, inv *domain.Invitation) error {
	return db.WithContext(ctx).Create(inv).Error
}

func (r *repository) FindByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Invitation, error) {
	var inv domain.Invitation
	err := db.WithContext(ctx).
		Where("token = ?", token).
		Take(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invitation, error) {
	var inv domain.Invitation
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Take(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repository) HasOpenForRecipient(ctx context.Context, db *gorm.DB, examID snowflake.ID, email string, now time.Time) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Invitation{}).
		Where("exam_id = ? AND recipient_email = ?", examID, email).
		Where("status IN ?", []domain.Status{domain.StatusPending, domain.StatusAccessed, domain.StatusStarted}).
		Where("expires_at > ?", now).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) RecordAccess(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Invitation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_count":      gorm.Expr("access_count + 1"),
			"first_accessed_at": gorm.Expr("COALESCE(first_accessed_at, ?)", now),
			"updated_at":        now,
		}).Error
}

func (r *repository) TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.Status, to domain.Status, set map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range set {
		updates[k] = v
	}
	res := db.WithContext(ctx).
		Model(&domain.Invitation{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindOverdue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.Invitation, error) {
	var invs []*domain.Invitation
	err := db.WithContext(ctx).
		Where("status IN ?", []domain.Status{domain.StatusPending, domain.StatusAccessed}).
		Where("expires_at <= ?", now).
		Order("expires_at asc").
		Limit(limit).
		Find(&invs).Error
	if err != nil {
		return nil, err
	}
	return invs, nil
}
