package repository

import (
	"context"
	"errors"
	"time"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/observability"

	"gorm.io/gorm"
)

const maxLockoutCASAttempts = 16

type PrincipalRepository interface {
	FindActiveByEmail(ctx context.Context, email string) (*domain.Principal, error)
	FindActiveByID(ctx context.Context, id uint) (*domain.Principal, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, p *domain.Principal) error
	ReserveAttempt(ctx context.Context, id uint, policy domain.LockoutPolicy, now time.Time) (domain.LockoutState, error)
	CompleteLogin(ctx context.Context, id uint, reserved domain.LockoutState, now, loginAt time.Time) (domain.LockoutState, error)
	ReleaseAttempt(ctx context.Context, id uint, reserved domain.LockoutState, now time.Time) error
	ResetAttempts(ctx context.Context, id uint, loginAt *time.Time) error
	Lock(ctx context.Context, id uint, until time.Time) error
	MarkVerified(ctx context.Context, id uint, at time.Time) error
	SoftDelete(ctx context.Context, id uint) error
}

type GormPrincipalRepository struct{ db *gorm.DB }

func NewPrincipalRepository(db *gorm.DB) PrincipalRepository { return &GormPrincipalRepository{db: db} }

func (r *GormPrincipalRepository) FindActiveByEmail(ctx context.Context, email string) (*domain.Principal, error) {
	var p domain.Principal
	err := r.db.WithContext(ctx).Where("email = ?", domain.NormalizeEmail(email)).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "principal", "find_active_by_email", "not_found")
			return nil, ErrPrincipalNotFound
		}
		observability.RecordRepositoryOperation(ctx, "principal", "find_active_by_email", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "principal", "find_active_by_email", "success")
	return &p, nil
}

func (r *GormPrincipalRepository) FindActiveByID(ctx context.Context, id uint) (*domain.Principal, error) {
	var p domain.Principal
	err := r.db.WithContext(ctx).First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "principal", "find_active_by_id", "not_found")
			return nil, ErrPrincipalNotFound
		}
		observability.RecordRepositoryOperation(ctx, "principal", "find_active_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "principal", "find_active_by_id", "success")
	return &p, nil
}

// ExistsByEmail also sees soft-deleted rows because they still hold the unique index.
func (r *GormPrincipalRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, "exists_by_email", "email = ?", domain.NormalizeEmail(email))
}

func (r *GormPrincipalRepository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, "exists_by_username", "username = ?", username)
}

func (r *GormPrincipalRepository) exists(ctx context.Context, op, query string, arg any) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Unscoped().Model(&domain.Principal{}).Where(query, arg).Count(&count).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "principal", op, "error")
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "principal", op, "success")
	return count > 0, nil
}

func (r *GormPrincipalRepository) Create(ctx context.Context, p *domain.Principal) error {
	p.Email = domain.NormalizeEmail(p.Email)
	if err := p.Validate(); err != nil {
		observability.RecordRepositoryOperation(ctx, "principal", "create", "error")
		return err
	}
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		err = asDuplicate(err)
		var dup *DuplicateError
		if errors.As(err, &dup) {
			observability.RecordRepositoryOperation(ctx, "principal", "create", "conflict")
		} else {
			observability.RecordRepositoryOperation(ctx, "principal", "create", "error")
		}
		return err
	}
	observability.RecordRepositoryOperation(ctx, "principal", "create", "success")
	return nil
}

// ReserveAttempt counts a login attempt as a failure before its password is
// compared, so no more than the policy threshold of comparisons can be in
// flight per lock window. An active lock is returned as ErrPrincipalLocked
// together with the stored state.
func (r *GormPrincipalRepository) ReserveAttempt(ctx context.Context, id uint, policy domain.LockoutPolicy, now time.Time) (domain.LockoutState, error) {
	return r.casLockout(ctx, "reserve_attempt", id, func(cur domain.LockoutState) (domain.LockoutState, map[string]any, error) {
		if cur.IsLocked(now) {
			return cur, nil, ErrPrincipalLocked
		}
		return policy.Next(cur, domain.OutcomeFailure, now), nil, nil
	})
}

// CompleteLogin clears the counters after a reserved attempt proved the
// password. A lock the reservation did not set itself wins: the row is left
// alone and ErrPrincipalLocked is returned.
func (r *GormPrincipalRepository) CompleteLogin(ctx context.Context, id uint, reserved domain.LockoutState, now, loginAt time.Time) (domain.LockoutState, error) {
	ownLock := reserved.IsLocked(now)
	return r.casLockout(ctx, "complete_login", id, func(cur domain.LockoutState) (domain.LockoutState, map[string]any, error) {
		if cur.IsLocked(now) && !ownLock {
			return cur, nil, ErrPrincipalLocked
		}
		return domain.LockoutState{}, map[string]any{"last_login_at": loginAt.UTC()}, nil
	})
}

// ReleaseAttempt hands back a reservation whose password matched but which may
// not sign in, leaving the counters as they were before it.
func (r *GormPrincipalRepository) ReleaseAttempt(ctx context.Context, id uint, reserved domain.LockoutState, now time.Time) error {
	ownLock := reserved.IsLocked(now)
	_, err := r.casLockout(ctx, "release_attempt", id, func(cur domain.LockoutState) (domain.LockoutState, map[string]any, error) {
		next := domain.LockoutState{Attempts: max(cur.Attempts-1, 0), LockedUntil: cur.LockedUntil}
		if ownLock {
			next.LockedUntil = nil
		}
		return next, nil, nil
	})
	return err
}

// casLockout reads the lockout columns, lets step decide the next state and
// writes it only if neither column moved in between. A lost race re-reads the
// row.
func (r *GormPrincipalRepository) casLockout(
	ctx context.Context,
	op string,
	id uint,
	step func(cur domain.LockoutState) (domain.LockoutState, map[string]any, error),
) (domain.LockoutState, error) {
	for attempt := 0; attempt < maxLockoutCASAttempts; attempt++ {
		var p domain.Principal
		if err := r.db.WithContext(ctx).Select("id", "failed_attempts", "locked_until").First(&p, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				observability.RecordRepositoryOperation(ctx, "principal", op, "not_found")
				return domain.LockoutState{}, ErrPrincipalNotFound
			}
			observability.RecordRepositoryOperation(ctx, "principal", op, "error")
			return domain.LockoutState{}, err
		}
		cur := p.Lockout()
		next, extra, err := step(cur)
		if err != nil {
			observability.RecordRepositoryOperation(ctx, "principal", op, "rejected")
			return next, err
		}
		updates := map[string]any{
			"failed_attempts": next.Attempts,
			"locked_until":    next.LockedUntil,
		}
		for k, v := range extra {
			updates[k] = v
		}
		q := r.db.WithContext(ctx).Model(&domain.Principal{}).Where("id = ? AND failed_attempts = ?", id, cur.Attempts)
		if cur.LockedUntil == nil {
			q = q.Where("locked_until IS NULL")
		} else {
			q = q.Where("locked_until = ?", *cur.LockedUntil)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			observability.RecordRepositoryOperation(ctx, "principal", op, "error")
			return domain.LockoutState{}, res.Error
		}
		if res.RowsAffected == 1 {
			observability.RecordRepositoryOperation(ctx, "principal", op, "success")
			return next, nil
		}
	}
	observability.RecordRepositoryOperation(ctx, "principal", op, "contention")
	return domain.LockoutState{}, ErrConcurrentUpdate
}

func (r *GormPrincipalRepository) ResetAttempts(ctx context.Context, id uint, loginAt *time.Time) error {
	updates := map[string]any{
		"failed_attempts": 0,
		"locked_until":    nil,
	}
	if loginAt != nil {
		updates["last_login_at"] = loginAt.UTC()
	}
	return r.update(ctx, "reset_attempts", id, updates)
}

func (r *GormPrincipalRepository) Lock(ctx context.Context, id uint, until time.Time) error {
	return r.update(ctx, "lock", id, map[string]any{"locked_until": until.UTC()})
}

func (r *GormPrincipalRepository) MarkVerified(ctx context.Context, id uint, at time.Time) error {
	return r.update(ctx, "mark_verified", id, map[string]any{"email_verified_at": at.UTC()})
}

func (r *GormPrincipalRepository) SoftDelete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&domain.Principal{}, id)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "principal", "soft_delete", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "principal", "soft_delete", "not_found")
		return ErrPrincipalNotFound
	}
	observability.RecordRepositoryOperation(ctx, "principal", "soft_delete", "success")
	return nil
}

func (r *GormPrincipalRepository) update(ctx context.Context, op string, id uint, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&domain.Principal{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "principal", op, "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "principal", op, "not_found")
		return ErrPrincipalNotFound
	}
	observability.RecordRepositoryOperation(ctx, "principal", op, "success")
	return nil
}
