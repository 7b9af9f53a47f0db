package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/myeline/careauth/internal/service"
)

func TestWriteServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &service.ValidationError{Fields: []service.FieldError{{Field: "email", Message: "bad"}}}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"conflict", &service.ConflictError{Field: "username"}, http.StatusConflict, "CONFLICT"},
		{"locked", &service.LockedError{Until: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}, http.StatusLocked, "ACCOUNT_LOCKED"},
		{"invalid credentials", service.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"unverified hides as credentials", service.ErrUnverified, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"unauthenticated", service.ErrUnauthenticated, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"token expired", service.ErrTokenExpired, http.StatusGone, "TOKEN_EXPIRED"},
		{"token used", service.ErrTokenAlreadyUsed, http.StatusConflict, "TOKEN_ALREADY_USED"},
		{"token missing", service.ErrTokenNotFound, http.StatusNotFound, "TOKEN_NOT_FOUND"},
		{"forbidden", service.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{"grant conflict", service.ErrGrantConflict, http.StatusConflict, "GRANT_CONFLICT"},
		{"transition", fmt.Errorf("accept: %w", service.ErrInvalidGrantTransition), http.StatusConflict, "INVALID_TRANSITION"},
		{"storage", &service.StorageError{Op: "find", Err: errors.New("conn refused")}, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeServiceError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
			if rr.Code != tc.status {
				t.Fatalf("status=%d want %d", rr.Code, tc.status)
			}
			var env struct {
				Error struct {
					Code    string         `json:"code"`
					Message string         `json:"message"`
					Details map[string]any `json:"details"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("code=%q want %q", env.Error.Code, tc.code)
			}
			switch tc.code {
			case "INVALID_CREDENTIALS":
				if env.Error.Message != "invalid email or password" {
					t.Fatalf("credential failures must share one message, got %q", env.Error.Message)
				}
			case "ACCOUNT_LOCKED":
				if env.Error.Details["locked_until"] != "2026-03-02T09:30:00Z" {
					t.Fatalf("unexpected locked_until %v", env.Error.Details["locked_until"])
				}
			}
		})
	}
}
