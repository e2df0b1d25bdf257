// Package playback schedules decoded audio chunks for gapless sequential
// output and supports hard interruption.
//
// The [Scheduler] keeps a watermark — the end time of the last scheduled
// chunk. Each new chunk starts at max(watermark, now), so chunks arriving
// faster than real time queue back-to-back and a chunk arriving after a gap
// starts immediately instead of replaying the silence. Interrupt force-stops
// everything currently playing and resets the watermark so the next chunk
// starts at once.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/andee-ai/andee/pkg/audio"
)

// Sink is the audio output device abstraction supplied by the host.
// The scheduler calls Play at each chunk's scheduled start time, in start
// order, so a sink that plays each frame as it arrives produces gapless
// output.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Play begins output of one frame. It must not block for the frame's
	// duration — the scheduler tracks completion itself.
	Play(frame audio.Frame) error

	// Stop immediately ceases output and discards any audio previously
	// delivered via Play. Safe to call when nothing is playing.
	Stop() error

	// Close releases the output device. Safe to call more than once.
	Close() error
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithNowFunc overrides the scheduler's clock. Used in tests to make
// watermark arithmetic deterministic.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// source is one scheduled chunk's playback handle. It stays in the active set
// from scheduling until natural completion or interruption.
type source struct {
	start *time.Timer
	end   *time.Timer
}

// Scheduler plays decoded chunks back-to-back through a [Sink].
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	sink Sink
	now  func() time.Time

	mu        sync.Mutex
	watermark time.Time // end of the last scheduled chunk; zero when reset
	active    map[*source]struct{}
	closed    bool
}

// New creates a Scheduler that delivers chunks to sink.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		now:    time.Now,
		active: make(map[*source]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule queues frame for playback at max(watermark, now) and advances the
// watermark by the frame's duration. Chunks never start before the previous
// chunk's scheduled end and never before the current clock time.
func (s *Scheduler) Schedule(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("playback: scheduler closed")
	}

	now := s.now()
	start := s.watermark
	if start.Before(now) {
		start = now
	}

	src := &source{}
	delay := start.Sub(now)
	frameCopy := frame
	src.start = time.AfterFunc(delay, func() {
		_ = s.sink.Play(frameCopy)
	})
	src.end = time.AfterFunc(delay+frame.Duration(), func() {
		s.onEnded(src)
	})

	s.active[src] = struct{}{}
	s.watermark = start.Add(frame.Duration())
	return nil
}

// Interrupt force-stops every chunk in the active set, clears the set, and
// resets the watermark so the next scheduled chunk starts immediately.
// Safe to call at any time, including when nothing is playing; idempotent.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := len(s.active)
	for src := range s.active {
		src.start.Stop()
		src.end.Stop()
		delete(s.active, src)
	}
	s.watermark = time.Time{}
	s.mu.Unlock()

	if stopped > 0 {
		_ = s.sink.Stop()
	}
}

// Active reports the number of chunks currently scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Watermark returns the scheduled end time of the last queued chunk, or the
// zero time if the schedule has been reset by [Scheduler.Interrupt].
func (s *Scheduler) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Close interrupts playback and closes the sink. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Interrupt()
	return s.sink.Close()
}

// onEnded removes a naturally completed source from the active set. A source
// already removed by Interrupt is a no-op.
func (s *Scheduler) onEnded(src *source) {
	s.mu.Lock()
	delete(s.active, src)
	s.mu.Unlock()
}
