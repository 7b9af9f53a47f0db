package repository

import (
	"context"
	"errors"
	"time"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionRepository interface {
	// Upsert stores s, replacing any row for the same principal and device.
	Upsert(ctx context.Context, s *domain.Session) error
	FindByTokenHash(ctx context.Context, hash string) (*domain.Session, error)
	// Touch records activity on a live session. It reports false when the
	// session is gone, revoked or already expired at the given time.
	Touch(ctx context.Context, hash string, at, expiresAt time.Time) (bool, error)
	// Rotate moves a live session from oldHash to newHash. It reports false
	// when no live session holds oldHash any more.
	Rotate(ctx context.Context, oldHash, newHash string, at, expiresAt time.Time) (bool, error)
	RevokeByTokenHash(ctx context.Context, hash, reason string, at time.Time) (bool, error)
	RevokeByPrincipal(ctx context.Context, principalID uint, reason string, at time.Time) (int64, error)
	ListActiveByPrincipal(ctx context.Context, principalID uint, now time.Time) ([]domain.Session, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Upsert(ctx context.Context, s *domain.Session) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "principal_id"}, {Name: "device_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"token_hash", "user_agent", "ip", "remember", "last_activity_at",
			"expires_at", "revoked_at", "revoked_reason", "created_at", "updated_at",
		}),
	}).Create(s).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "upsert", "error")
		return asDuplicate(err)
	}
	observability.RecordRepositoryOperation(ctx, "session", "upsert", "success")
	return nil
}

func (r *GormSessionRepository) FindByTokenHash(ctx context.Context, hash string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_by_token_hash", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_by_token_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_by_token_hash", "success")
	return &s, nil
}

func (r *GormSessionRepository) Touch(ctx context.Context, hash string, at, expiresAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("token_hash = ? AND revoked_at IS NULL AND expires_at > ?", hash, at.UTC()).
		Updates(map[string]any{"last_activity_at": at.UTC(), "expires_at": expiresAt.UTC()})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "touch", "error")
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "session", "touch", "not_found")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "session", "touch", "success")
	return true, nil
}

func (r *GormSessionRepository) Rotate(ctx context.Context, oldHash, newHash string, at, expiresAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("token_hash = ? AND revoked_at IS NULL AND expires_at > ?", oldHash, at.UTC()).
		Updates(map[string]any{
			"token_hash":       newHash,
			"last_activity_at": at.UTC(),
			"expires_at":       expiresAt.UTC(),
		})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "rotate", "error")
		return false, asDuplicate(res.Error)
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "session", "rotate", "not_found")
		return false, nil
	}
	observability.RecordRepositoryOperation(ctx, "session", "rotate", "success")
	return true, nil
}

func (r *GormSessionRepository) RevokeByTokenHash(ctx context.Context, hash, reason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("token_hash = ? AND revoked_at IS NULL", hash).
		Updates(map[string]any{"revoked_at": at.UTC(), "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_by_token_hash", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_by_token_hash", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) RevokeByPrincipal(ctx context.Context, principalID uint, reason string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("principal_id = ? AND revoked_at IS NULL", principalID).
		Updates(map[string]any{"revoked_at": at.UTC(), "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_by_principal", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_by_principal", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) ListActiveByPrincipal(ctx context.Context, principalID uint, now time.Time) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.WithContext(ctx).
		Where("principal_id = ? AND revoked_at IS NULL AND expires_at > ?", principalID, now.UTC()).
		Order("last_activity_at DESC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_active_by_principal", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_active_by_principal", "success")
	return sessions, nil
}

func (r *GormSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ? OR revoked_at IS NOT NULL", now.UTC()).
		Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "success")
	return res.RowsAffected, nil
}
