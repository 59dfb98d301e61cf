package events

import (
	"log/slog"
	"sync"
)

// DefaultBacklogLimit bounds how many undelivered notifications are
// kept while no listener is attached. Beyond it the oldest entries are
// dropped.
const DefaultBacklogLimit = 256

// CompletionNotifier fans successful-completion ids out to at most one
// attached listener at a time. Notifications that cannot be pushed are
// queued and flushed to the next listener, or drained via Drain.
type CompletionNotifier struct {
	mu           sync.Mutex
	listener     chan string
	backlog      []string
	backlogLimit int
	logger       *slog.Logger
}

// NewCompletionNotifier creates a notifier. A non-positive backlogLimit
// falls back to DefaultBacklogLimit.
func NewCompletionNotifier(backlogLimit int, logger *slog.Logger) *CompletionNotifier {
	if backlogLimit <= 0 {
		backlogLimit = DefaultBacklogLimit
	}
	return &CompletionNotifier{
		backlogLimit: backlogLimit,
		logger:       logger.With("component", "completion_notifier"),
	}
}

// Notify publishes a completed task id. If a listener is attached and
// keeping up, the id is pushed; otherwise it joins the backlog.
func (n *CompletionNotifier) Notify(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listener != nil {
		select {
		case n.listener <- id:
			return
		default:
			// Listener attached but not keeping up; fall through to the
			// backlog so the notification is not lost.
		}
	}

	n.backlog = append(n.backlog, id)
	if len(n.backlog) > n.backlogLimit {
		dropped := len(n.backlog) - n.backlogLimit
		n.backlog = n.backlog[dropped:]
		n.logger.Warn("completion backlog overflow, dropping oldest",
			"dropped", dropped,
			"backlog_limit", n.backlogLimit)
	}
}

// Subscribe attaches a listener and returns its channel together with
// an unsubscribe function. Any backlog accumulated while no listener
// was attached is flushed into the channel first. A second Subscribe
// replaces the previous listener.
func (n *CompletionNotifier) Subscribe(buffer int) (<-chan string, func()) {
	if buffer < 1 {
		buffer = 1
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan string, buffer)

	// Flush as much backlog as fits; the remainder stays queued.
	flushed := 0
flush:
	for flushed < len(n.backlog) {
		select {
		case ch <- n.backlog[flushed]:
			flushed++
		default:
			break flush
		}
	}
	n.backlog = n.backlog[flushed:]
	n.listener = ch

	n.logger.Debug("listener attached",
		"flushed", flushed,
		"remaining_backlog", len(n.backlog))

	unsubscribe := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.listener != ch {
			return
		}
		n.listener = nil

		// Reclaim anything the listener never read so the ids survive
		// for the next listener or a Drain.
		var unread []string
	reclaim:
		for {
			select {
			case id := <-ch:
				unread = append(unread, id)
			default:
				break reclaim
			}
		}
		if len(unread) > 0 {
			n.backlog = append(unread, n.backlog...)
		}
	}

	return ch, unsubscribe
}

// Drain returns and clears the backlog: the pull-based fallback for
// callers that never attach a listener.
func (n *CompletionNotifier) Drain() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	drained := n.backlog
	n.backlog = nil
	return drained
}
