package connsys_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
)

// fakeSweeper records every DoOneThreadLoop call and returns a fixed
// deadline relative to now.
type fakeSweeper struct {
	calls  chan time.Time
	ahead  time.Duration
}

func (f *fakeSweeper) DoOneThreadLoop(now time.Time, interval, timeout time.Duration) time.Time {
	select {
	case f.calls <- now:
	default:
	}
	return now.Add(f.ahead)
}

func TestKeepAliveWorkerZeroConfigIsNoop(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{calls: make(chan time.Time, 1), ahead: time.Second}
	w := connsys.NewKeepAliveWorker(sweeper, clockwork.NewRealClock(), 0, 0, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-sweeper.calls:
		t.Fatal("DoOneThreadLoop called for a zero-config (testing-only) worker")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
	select {
	case <-w.Done():
	default:
		t.Error("Done() channel not closed after Run() returned")
	}
}

func TestKeepAliveWorkerRunsSweepAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	sweeper := &fakeSweeper{calls: make(chan time.Time, 4), ahead: time.Second}
	w := connsys.NewKeepAliveWorker(sweeper, clock, time.Second, 3*time.Second, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-sweeper.calls:
	case <-time.After(time.Second):
		t.Fatal("DoOneThreadLoop was never called")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestKeepAliveWorkerWakeInterruptsWait(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	sweeper := &fakeSweeper{calls: make(chan time.Time, 4), ahead: time.Hour}
	w := connsys.NewKeepAliveWorker(sweeper, clock, time.Second, 3*time.Second, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-sweeper.calls:
	case <-time.After(time.Second):
		t.Fatal("initial sweep never ran")
	}

	w.Wake()

	select {
	case <-sweeper.calls:
	case <-time.After(time.Second):
		t.Fatal("Wake() did not trigger a second sweep before the hour-long deadline")
	}

	cancel()
	<-done
}
