package repository

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrPrincipalNotFound         = errors.New("principal not found")
	ErrVerificationTokenNotFound = errors.New("verification token not found")
	ErrGrantNotFound             = errors.New("caregiver grant not found")
	ErrConcurrentUpdate          = errors.New("concurrent update exhausted retries")
	ErrPrincipalLocked           = errors.New("principal locked")
)

// DuplicateError reports a unique index violation. Field is the column that
// collided when it can be recovered from the driver error.
type DuplicateError struct {
	Field string
	Err   error
}

func (e *DuplicateError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("duplicate key: %v", e.Err)
	}
	return fmt.Sprintf("duplicate %s: %v", e.Field, e.Err)
}

func (e *DuplicateError) Unwrap() error { return e.Err }

var (
	rePgKeyField     = regexp.MustCompile(`Key \(([^)]+)\)=`)
	reSqliteUnique   = regexp.MustCompile(`UNIQUE constraint failed: ([A-Za-z0-9_.]+(?:, [A-Za-z0-9_.]+)*)`)
	reIndexFieldName = regexp.MustCompile(`^idx_[a-z]+(?:_[a-z]+)*?_(email|username|token_hash)$`)
)

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func duplicateField(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.ColumnName != "" {
			return pgErr.ColumnName
		}
		if m := rePgKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			return strings.TrimSpace(m[1])
		}
		if m := reIndexFieldName.FindStringSubmatch(pgErr.ConstraintName); len(m) == 2 {
			return m[1]
		}
		return ""
	}
	if m := reSqliteUnique.FindStringSubmatch(err.Error()); len(m) == 2 {
		cols := strings.Split(m[1], ", ")
		if len(cols) != 1 {
			return ""
		}
		if i := strings.LastIndex(cols[0], "."); i >= 0 {
			return cols[0][i+1:]
		}
		return cols[0]
	}
	return ""
}

func asDuplicate(err error) error {
	if !isUniqueViolation(err) {
		return err
	}
	return &DuplicateError{Field: duplicateField(err), Err: err}
}

// IsTransient reports storage failures that a retried transaction can clear.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
