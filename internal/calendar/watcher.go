package calendar

import (
	"context"
	"log/slog"
	"time"

	"github.com/andee-ai/andee/internal/dispatch"
)

const (
	// DefaultLead is how far ahead of an appointment's start the reminder
	// fires.
	DefaultLead = 30 * time.Minute

	// DefaultPollInterval is how often the watcher scans the store.
	DefaultPollInterval = 10 * time.Second
)

// Notifier receives each appointment due for a reminder, exactly once.
type Notifier func(ctx context.Context, appt dispatch.Appointment)

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithLead sets the reminder lead window.
func WithLead(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.lead = d }
}

// WithPollInterval sets the store scan interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.poll = d }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) WatcherOption {
	return func(w *Watcher) { w.now = now }
}

// Watcher periodically scans the store for appointments starting within the
// lead window and fires the notifier once per appointment. Reschedules that
// move an already-notified appointment back out of the window re-arm it.
type Watcher struct {
	store  *Store
	notify Notifier
	lead   time.Duration
	poll   time.Duration
	now    func() time.Time

	notified map[string]struct{}
}

// NewWatcher creates a watcher over store that calls notify for each due
// appointment.
func NewWatcher(store *Store, notify Notifier, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:    store,
		notify:   notify,
		lead:     DefaultLead,
		poll:     DefaultPollInterval,
		now:      time.Now,
		notified: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run scans the store until ctx is cancelled. It returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan performs a single pass: notify appointments newly inside the lead
// window and re-arm those that left it.
func (w *Watcher) Scan(ctx context.Context) {
	now := w.now()
	due := w.store.StartingBetween(now, now.Add(w.lead))

	inWindow := make(map[string]struct{}, len(due))
	for _, a := range due {
		inWindow[a.ID] = struct{}{}
		if _, seen := w.notified[a.ID]; seen {
			continue
		}
		w.notified[a.ID] = struct{}{}
		slog.Info("reminder due", "id", a.ID, "title", a.Title, "start", a.Start)
		w.notify(ctx, a)
	}

	// Drop tracking for appointments no longer in the window, so a
	// cancelled-and-recreated or rescheduled entry gets a fresh reminder
	// when it next enters it.
	for id := range w.notified {
		if _, ok := inWindow[id]; !ok {
			delete(w.notified, id)
		}
	}
}
