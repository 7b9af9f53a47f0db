package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/myeline/careauth/internal/domain"
)

// VerificationSender delivers a verification token to its principal. Delivery
// happens after the registering transaction commits.
type VerificationSender interface {
	SendVerification(ctx context.Context, principal *domain.Principal, token string, expiresAt time.Time) error
}

// LogVerificationSender records the delivery without sending anything. The raw
// token is never logged.
type LogVerificationSender struct {
	logger *slog.Logger
}

func NewLogVerificationSender(logger *slog.Logger) *LogVerificationSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogVerificationSender{logger: logger}
}

func (s *LogVerificationSender) SendVerification(ctx context.Context, principal *domain.Principal, _ string, expiresAt time.Time) error {
	s.logger.InfoContext(ctx, "verification token issued",
		"principal_id", principal.ID,
		"expires_at", expiresAt.UTC().Format(time.RFC3339),
	)
	return nil
}
