package connsys

import "log/slog"

// broadcastNotifier is the default Notifier implementation: it fans
// Connected/NotConnected events out to every registered Listener and
// enforces the strictly-alternating sequence invariant (spec §3 invariant
// 4) by tracking, per pid, whether the last emitted event was a connect.
//
// It must be invoked only while the caller holds the framework lock (spec
// §5); it never re-enters an engine, matching the "notifier invoked under
// lock, must not re-enter engine" contract.
type broadcastNotifier struct {
	log       *slog.Logger
	listeners []Listener
	lastWasUp map[PID]bool
}

func newBroadcastNotifier(log *slog.Logger) *broadcastNotifier {
	return &broadcastNotifier{
		log:       log,
		lastWasUp: make(map[PID]bool),
	}
}

func (n *broadcastNotifier) RegisterForConnectionUpdates(l Listener) {
	n.listeners = append(n.listeners, l)
}

func (n *broadcastNotifier) UnregisterForConnectionUpdates(l Listener) {
	for i, existing := range n.listeners {
		if existing == l {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			return
		}
	}
}

func (n *broadcastNotifier) NewParticipantHasConnected(pid PID) {
	if n.lastWasUp[pid] {
		// Idempotent by contract: a second connect without an intervening
		// disconnect is a bug in the calling engine, not in the notifier.
		// Logged rather than panicked so a single misbehaving engine can't
		// take the process down.
		n.log.Warn("duplicate connected notification suppressed", "pid", pid.String())
		return
	}
	n.lastWasUp[pid] = true
	for _, l := range n.listeners {
		l.NewParticipantHasConnected(pid)
	}
}

func (n *broadcastNotifier) ParticipantHasDisconnected(pid PID) {
	if !n.lastWasUp[pid] {
		n.log.Warn("duplicate disconnected notification suppressed", "pid", pid.String())
		return
	}
	n.lastWasUp[pid] = false
	for _, l := range n.listeners {
		l.ParticipantHasDisconnected(pid)
	}
}

// NewNotifier constructs the default Notifier used by the daemon wiring.
// Exposed so cmd/connsysd can register its own listener (metrics, logging)
// without reaching into engine internals.
func NewNotifier(log *slog.Logger) Notifier {
	return newBroadcastNotifier(log)
}
