package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/myeline/careauth/internal/observability"

	"gorm.io/gorm"
)

const defaultTxAttempts = 3

// Repositories are bound to one transaction for the lifetime of a unit of work.
type Repositories struct {
	Principals PrincipalRepository
	Tokens     VerificationTokenRepository
	Grants     GrantRepository
}

type UnitOfWork interface {
	WithinTransaction(ctx context.Context, fn func(repos Repositories) error) error
}

type GormUnitOfWork struct {
	db       *gorm.DB
	attempts int
	backoff  time.Duration
}

func NewUnitOfWork(db *gorm.DB) UnitOfWork {
	return &GormUnitOfWork{db: db, attempts: defaultTxAttempts, backoff: 10 * time.Millisecond}
}

// WithinTransaction runs fn in a transaction and reruns it when the store
// reports a serialization failure or lock contention. fn must not hold state
// across attempts that depends on a rolled back write.
func (u *GormUnitOfWork) WithinTransaction(ctx context.Context, fn func(repos Repositories) error) error {
	var err error
	for attempt := 1; attempt <= u.attempts; attempt++ {
		err = u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(Repositories{
				Principals: NewPrincipalRepository(tx),
				Tokens:     NewVerificationTokenRepository(tx),
				Grants:     NewGrantRepository(tx),
			})
		})
		if err == nil {
			observability.RecordRepositoryOperation(ctx, "unit_of_work", "commit", "success")
			return nil
		}
		if !IsTransient(err) || attempt == u.attempts {
			break
		}
		slog.WarnContext(ctx, "retrying transaction after transient storage error", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.backoff * time.Duration(attempt)):
		}
	}
	observability.RecordRepositoryOperation(ctx, "unit_of_work", "commit", "error")
	return err
}
