package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/exam/domain"
	"gorm.io/gorm"
)

type catalog struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Catalog {
	return &catalog{db: db}
}

func (c *catalog) GetExam(ctx context.Context, id snowflake.ID) (*domain.Exam, error) {
	var exam domain.Exam
	err := c.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&exam).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exam, nil
}

func (c *catalog) GetQuestions(ctx context.Context, examID snowflake.ID) ([]domain.Question, error) {
	var questions []domain.Question
	err := c.db.WithContext(ctx).
		Where("exam_id = ?", examID).
		Order("position asc, id asc").
		Find(&questions).Error
	if err != nil {
		return nil, err
	}
	return questions, nil
}
