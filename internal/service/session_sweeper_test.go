package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSweeper struct {
	calls atomic.Int64
	err   error
}

func (f *fakeSweeper) Sweep(context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, f.err
}

func TestSessionSweeperRunStopsOnCancel(t *testing.T) {
	fake := &fakeSweeper{}
	sweeper := NewSessionSweeper(fake, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for fake.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if fake.calls.Load() < 2 {
		t.Fatalf("expected repeated sweeps, got %d", fake.calls.Load())
	}
}

func TestSessionSweeperDisabledAndErrors(t *testing.T) {
	disabled := NewSessionSweeper(&fakeSweeper{}, 0, nil)
	if disabled.Enabled() {
		t.Fatalf("zero interval must disable the sweeper")
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := disabled.Run(ctx); err != nil {
		t.Fatalf("disabled run: %v", err)
	}

	failing := NewSessionSweeper(&fakeSweeper{err: errors.New("db down")}, time.Minute, nil)
	if n := failing.RunOnce(t.Context()); n != 0 {
		t.Fatalf("failed sweep must report zero, got %d", n)
	}
}
