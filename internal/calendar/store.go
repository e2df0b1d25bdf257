// Package calendar provides the in-memory appointment store backing the tool
// dispatcher, and a background watcher that surfaces upcoming appointments as
// proactive reminders.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andee-ai/andee/internal/dispatch"
)

// ErrNotFound is returned when an appointment id does not exist in the store.
var ErrNotFound = errors.New("calendar: appointment not found")

// Store is an in-memory appointment store. It implements [dispatch.Provider]
// and is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	byID map[string]dispatch.Appointment
}

var _ dispatch.Provider = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{byID: make(map[string]dispatch.Appointment)}
}

// Insert adds a and returns it with an id assigned if it had none. Used to
// seed the store at startup; the dispatcher path goes through
// [Store.CreateAppointment].
func (s *Store) Insert(a dispatch.Appointment) dispatch.Appointment {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.byID[a.ID] = a
	s.mu.Unlock()
	return a
}

// CreateAppointment implements [dispatch.Provider].
func (s *Store) CreateAppointment(_ context.Context, title string, start, end time.Time) error {
	if title == "" {
		return errors.New("calendar: empty title")
	}
	if !end.After(start) {
		return fmt.Errorf("calendar: end %v not after start %v", end, start)
	}
	s.Insert(dispatch.Appointment{Title: title, Start: start, End: end})
	return nil
}

// RescheduleAppointment implements [dispatch.Provider].
func (s *Store) RescheduleAppointment(_ context.Context, id string, newStart, newEnd time.Time) error {
	if !newEnd.After(newStart) {
		return fmt.Errorf("calendar: end %v not after start %v", newEnd, newStart)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("calendar: reschedule %q: %w", id, ErrNotFound)
	}
	a.Start, a.End = newStart, newEnd
	s.byID[id] = a
	return nil
}

// CancelAppointment implements [dispatch.Provider].
func (s *Store) CancelAppointment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("calendar: cancel %q: %w", id, ErrNotFound)
	}
	delete(s.byID, id)
	return nil
}

// AppointmentsOn implements [dispatch.Provider]. Results are sorted by start
// time. Both sides of the comparison are normalised to local time, so an
// appointment created with a foreign UTC offset still lands on the local
// calendar day of its instant.
func (s *Store) AppointmentsOn(_ context.Context, date time.Time) ([]dispatch.Appointment, error) {
	y, m, d := date.In(time.Local).Date()

	s.mu.RLock()
	var out []dispatch.Appointment
	for _, a := range s.byID {
		ay, am, ad := a.Start.In(time.Local).Date()
		if ay == y && am == m && ad == d {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	sortByStart(out)
	return out, nil
}

// StartingBetween returns appointments with from <= start < to, sorted by
// start time. The watcher uses it to find reminders due within its lead
// window.
func (s *Store) StartingBetween(from, to time.Time) []dispatch.Appointment {
	s.mu.RLock()
	var out []dispatch.Appointment
	for _, a := range s.byID {
		if !a.Start.Before(from) && a.Start.Before(to) {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	sortByStart(out)
	return out
}

func sortByStart(appts []dispatch.Appointment) {
	slices.SortFunc(appts, func(a, b dispatch.Appointment) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
