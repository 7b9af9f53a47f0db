package service

import (
	"context"
	"log/slog"
	"time"
)

type sessionSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// SessionSweeper periodically purges expired and revoked sessions.
type SessionSweeper struct {
	sessions sessionSweeper
	interval time.Duration
	logger   *slog.Logger
}

func NewSessionSweeper(sessions sessionSweeper, interval time.Duration, logger *slog.Logger) *SessionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSweeper{sessions: sessions, interval: interval, logger: logger}
}

func (s *SessionSweeper) Enabled() bool { return s != nil && s.interval > 0 }

// Run sweeps every interval until ctx is cancelled. Sweep failures are logged
// and retried on the next tick.
func (s *SessionSweeper) Run(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *SessionSweeper) RunOnce(ctx context.Context) int64 {
	n, err := s.sessions.Sweep(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "session sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "session sweep completed", "deleted", n)
	}
	return n
}
