package connsys

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sweeper is satisfied by Dispatcher; factored out so the worker can be
// tested against a fake in isolation from the full dispatch machinery.
type Sweeper interface {
	DoOneThreadLoop(now time.Time, interval, timeout time.Duration) time.Time
}

// KeepAliveWorker is the single periodic task (C5) that walks every
// ParticipantState on both engines, detecting receive timeouts and
// retransmitting keep-alives (spec §5).
//
// The C++ original waits on a condition_variable guarded by the framework
// lock; Go has no direct analogue, so the wait is expressed as a
// clockwork.Timer race against a buffered "wake" channel, which the
// Dispatcher's engines signal through SetWakeup whenever an action changes
// the set of pending deadlines.
type KeepAliveWorker struct {
	sweeper  Sweeper
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	wake     chan struct{}
	done     chan struct{}
}

// NewKeepAliveWorker constructs a worker. If interval and timeout are both
// zero the worker is a no-op when Run is called — the "testing only"
// configuration permitted by spec §5.
func NewKeepAliveWorker(sweeper Sweeper, clock clockwork.Clock, interval, timeout time.Duration, log *slog.Logger) *KeepAliveWorker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &KeepAliveWorker{
		sweeper:  sweeper,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
		log:      log,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Wake signals the worker to re-run its sweep immediately, skipping the
// remainder of its current wait. Non-blocking: a pending signal is enough,
// a second one before it is consumed is a no-op.
func (w *KeepAliveWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run executes the worker loop until ctx is cancelled. It is a no-op (spec
// §5 "both zero" testing configuration) when interval and timeout are both
// zero.
func (w *KeepAliveWorker) Run(ctx context.Context) {
	defer close(w.done)

	if w.interval == 0 && w.timeout == 0 {
		<-ctx.Done()
		return
	}

	for {
		now := w.clock.Now()
		next := w.sweeper.DoOneThreadLoop(now, w.interval, w.timeout)

		wait := next.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := w.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		case <-w.wake:
			timer.Stop()
		}
	}
}

// Done returns a channel closed once Run has returned, for tests that need
// to confirm clean shutdown without a goroutine leak.
func (w *KeepAliveWorker) Done() <-chan struct{} {
	return w.done
}
