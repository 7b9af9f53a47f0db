package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrUnverified is reported as ErrInvalidCredentials to callers that only
	// check the generic class.
	ErrUnverified      = fmt.Errorf("%w: email not verified", ErrInvalidCredentials)
	ErrUnauthenticated = errors.New("unauthenticated")

	ErrTokenExpired     = errors.New("verification token expired")
	ErrTokenAlreadyUsed = errors.New("verification token already used")
	ErrTokenNotFound    = errors.New("verification token not found")

	ErrForbidden              = errors.New("forbidden")
	ErrPrincipalNotFound      = errors.New("principal not found")
	ErrGrantNotFound          = errors.New("caregiver grant not found")
	ErrGrantConflict          = errors.New("caregiver grant already open for this pair")
	ErrInvalidGrantTransition = errors.New("caregiver grant cannot make this transition")

	ErrStorage = errors.New("storage failure")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ConflictError names the unique field a write collided on.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string { return e.Field + " already in use" }

// LockedError is the one rejection that discloses detail: the unlock time.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
