package repository

import (
	"context"
	"errors"
	"time"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/observability"

	"gorm.io/gorm"
)

type VerificationTokenRepository interface {
	Create(ctx context.Context, t *domain.VerificationToken) error
	FindByHash(ctx context.Context, hash string) (*domain.VerificationToken, error)
	// MarkUsed consumes the token. It reports false when another caller got there first.
	MarkUsed(ctx context.Context, id uint, at time.Time) (bool, error)
	InvalidateOutstanding(ctx context.Context, principalID uint, purpose string, at time.Time) (int64, error)
}

type GormVerificationTokenRepository struct{ db *gorm.DB }

func NewVerificationTokenRepository(db *gorm.DB) VerificationTokenRepository {
	return &GormVerificationTokenRepository{db: db}
}

func (r *GormVerificationTokenRepository) Create(ctx context.Context, t *domain.VerificationToken) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "verification_token", "create", "error")
		return asDuplicate(err)
	}
	observability.RecordRepositoryOperation(ctx, "verification_token", "create", "success")
	return nil
}

func (r *GormVerificationTokenRepository) FindByHash(ctx context.Context, hash string) (*domain.VerificationToken, error) {
	var t domain.VerificationToken
	err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "verification_token", "find_by_hash", "not_found")
			return nil, ErrVerificationTokenNotFound
		}
		observability.RecordRepositoryOperation(ctx, "verification_token", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "verification_token", "find_by_hash", "success")
	return &t, nil
}

func (r *GormVerificationTokenRepository) MarkUsed(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.VerificationToken{}).
		Where("id = ? AND used_at IS NULL", id).
		Update("used_at", at.UTC())
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "verification_token", "mark_used", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "verification_token", "mark_used", "success")
	return res.RowsAffected == 1, nil
}

func (r *GormVerificationTokenRepository) InvalidateOutstanding(ctx context.Context, principalID uint, purpose string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.VerificationToken{}).
		Where("principal_id = ? AND purpose = ? AND used_at IS NULL", principalID, purpose).
		Update("used_at", at.UTC())
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "verification_token", "invalidate_outstanding", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "verification_token", "invalidate_outstanding", "success")
	return res.RowsAffected, nil
}
