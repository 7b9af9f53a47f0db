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

type GrantRepository interface {
	Create(ctx context.Context, g *domain.CaregiverGrant) error
	FindByID(ctx context.Context, id uint) (*domain.CaregiverGrant, error)
	FindByIDForUpdate(ctx context.Context, id uint) (*domain.CaregiverGrant, error)
	FindOpenForPair(ctx context.Context, caregiverID, patientID uint) (*domain.CaregiverGrant, error)
	FindActiveForPair(ctx context.Context, caregiverID, patientID uint) (*domain.CaregiverGrant, error)
	Activate(ctx context.Context, id uint, at time.Time) (bool, error)
	Revoke(ctx context.Context, id, revokedBy uint, at time.Time) (bool, error)
	ListForPrincipal(ctx context.Context, principalID uint, page PageRequest) (PageResult[domain.CaregiverGrant], error)
}

type GormGrantRepository struct{ db *gorm.DB }

func NewGrantRepository(db *gorm.DB) GrantRepository { return &GormGrantRepository{db: db} }

func (r *GormGrantRepository) Create(ctx context.Context, g *domain.CaregiverGrant) error {
	if err := r.db.WithContext(ctx).Create(g).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "grant", "create", "error")
		return asDuplicate(err)
	}
	observability.RecordRepositoryOperation(ctx, "grant", "create", "success")
	return nil
}

func (r *GormGrantRepository) FindByID(ctx context.Context, id uint) (*domain.CaregiverGrant, error) {
	return r.first(ctx, "find_by_id", r.db.WithContext(ctx).Where("id = ?", id))
}

// FindByIDForUpdate row-locks the grant on postgres; sqlite ignores the clause
// and relies on its single writer.
func (r *GormGrantRepository) FindByIDForUpdate(ctx context.Context, id uint) (*domain.CaregiverGrant, error) {
	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.first(ctx, "find_by_id_for_update", q.Where("id = ?", id))
}

func (r *GormGrantRepository) FindOpenForPair(ctx context.Context, caregiverID, patientID uint) (*domain.CaregiverGrant, error) {
	q := r.db.WithContext(ctx).
		Where("caregiver_id = ? AND patient_id = ? AND status IN ?", caregiverID, patientID,
			[]domain.GrantStatus{domain.GrantPending, domain.GrantActive}).
		Order("id DESC")
	return r.first(ctx, "find_open_for_pair", q)
}

func (r *GormGrantRepository) FindActiveForPair(ctx context.Context, caregiverID, patientID uint) (*domain.CaregiverGrant, error) {
	q := r.db.WithContext(ctx).
		Where("caregiver_id = ? AND patient_id = ? AND status = ?", caregiverID, patientID, domain.GrantActive)
	return r.first(ctx, "find_active_for_pair", q)
}

func (r *GormGrantRepository) first(ctx context.Context, op string, q *gorm.DB) (*domain.CaregiverGrant, error) {
	var g domain.CaregiverGrant
	if err := q.First(&g).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "grant", op, "not_found")
			return nil, ErrGrantNotFound
		}
		observability.RecordRepositoryOperation(ctx, "grant", op, "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "grant", op, "success")
	return &g, nil
}

// Activate moves a pending grant to active. It reports false when the grant
// was no longer pending.
func (r *GormGrantRepository) Activate(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.CaregiverGrant{}).
		Where("id = ? AND status = ?", id, domain.GrantPending).
		Updates(map[string]any{"status": domain.GrantActive, "accepted_at": at.UTC()})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "grant", "activate", "error")
		return false, asDuplicate(res.Error)
	}
	observability.RecordRepositoryOperation(ctx, "grant", "activate", "success")
	return res.RowsAffected == 1, nil
}

func (r *GormGrantRepository) Revoke(ctx context.Context, id, revokedBy uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.CaregiverGrant{}).
		Where("id = ? AND status IN ?", id, []domain.GrantStatus{domain.GrantPending, domain.GrantActive}).
		Updates(map[string]any{"status": domain.GrantRevoked, "revoked_at": at.UTC(), "revoked_by": revokedBy})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "grant", "revoke", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "grant", "revoke", "success")
	return res.RowsAffected == 1, nil
}

func (r *GormGrantRepository) ListForPrincipal(ctx context.Context, principalID uint, page PageRequest) (PageResult[domain.CaregiverGrant], error) {
	req := normalizePageRequest(page)
	result := PageResult[domain.CaregiverGrant]{Page: req.Page, PageSize: req.PageSize}

	base := r.db.WithContext(ctx).Model(&domain.CaregiverGrant{}).
		Where("caregiver_id = ? OR patient_id = ?", principalID, principalID)
	if err := base.Session(&gorm.Session{}).Count(&result.Total).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "grant", "list_for_principal", "error")
		return PageResult[domain.CaregiverGrant]{}, err
	}
	offset := (req.Page - 1) * req.PageSize
	if err := base.Session(&gorm.Session{}).
		Order("created_at DESC").Order("id DESC").
		Offset(offset).Limit(req.PageSize).
		Find(&result.Items).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "grant", "list_for_principal", "error")
		return PageResult[domain.CaregiverGrant]{}, err
	}
	result.TotalPages = calcTotalPages(result.Total, req.PageSize)
	observability.RecordRepositoryOperation(ctx, "grant", "list_for_principal", "success")
	return result, nil
}
