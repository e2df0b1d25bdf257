package playback_test

import (
	"sync"
	"testing"
	"time"

	"github.com/andee-ai/andee/pkg/audio"
	"github.com/andee-ai/andee/pkg/audio/playback"
)

// fakeSink records Play and Stop calls with wall-clock timestamps.
type fakeSink struct {
	mu     sync.Mutex
	plays  []time.Time
	frames []audio.Frame
	stops  int
	closes int
}

func (f *fakeSink) Play(frame audio.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, time.Now())
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSink) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakeSink) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// chunk builds a mono playback-rate frame of the given duration.
func chunk(d time.Duration) audio.Frame {
	n := int(d * audio.PlaybackRate / time.Second)
	return audio.Frame{Samples: make([]float32, n), SampleRate: audio.PlaybackRate, Channels: 1}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ── Watermark arithmetic (deterministic clock) ────────────────────────────────

func TestSchedule_WatermarkIsMonotone(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1000, 0)
	s := playback.New(&fakeSink{}, playback.WithNowFunc(func() time.Time { return t0 }))
	defer s.Close()

	durations := []time.Duration{
		100 * time.Millisecond,
		50 * time.Millisecond,
		250 * time.Millisecond,
	}
	var total time.Duration
	prev := s.Watermark()
	for _, d := range durations {
		if err := s.Schedule(chunk(d)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		total += d
		wm := s.Watermark()
		if wm.Before(prev) {
			t.Fatalf("watermark went backwards: %v -> %v", prev, wm)
		}
		prev = wm
	}
	if want := t0.Add(total); !prev.Equal(want) {
		t.Errorf("watermark = %v; want %v", prev, want)
	}
}

func TestSchedule_BackToBackChunksDoNotOverlap(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1000, 0)
	s := playback.New(&fakeSink{}, playback.WithNowFunc(func() time.Time { return t0 }))
	defer s.Close()

	// A starts at t0 and lasts 100ms. B must start no earlier than A's end.
	if err := s.Schedule(chunk(100 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule A: %v", err)
	}
	aEnd := s.Watermark()
	if err := s.Schedule(chunk(40 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule B: %v", err)
	}
	// B's start is the prior watermark, so the new watermark is exactly
	// aEnd + B's duration.
	if want := aEnd.Add(40 * time.Millisecond); !s.Watermark().Equal(want) {
		t.Errorf("watermark = %v; want %v (B scheduled at A's end)", s.Watermark(), want)
	}
}

func TestSchedule_LateChunkStartsNowNotInThePast(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := playback.New(&fakeSink{}, playback.WithNowFunc(clock))
	defer s.Close()

	if err := s.Schedule(chunk(10 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// The stream pauses: real time moves well past the watermark.
	mu.Lock()
	now = now.Add(5 * time.Second)
	mu.Unlock()

	if err := s.Schedule(chunk(10 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// The late chunk starts at the new "now", not at the stale watermark.
	if want := time.Unix(1005, 0).Add(10 * time.Millisecond); !s.Watermark().Equal(want) {
		t.Errorf("watermark = %v; want %v", s.Watermark(), want)
	}
}

// ── Live behaviour (real clock, short chunks) ─────────────────────────────────

func TestSchedule_PlaysChunksInOrder(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	s := playback.New(sink)
	defer s.Close()

	if err := s.Schedule(chunk(30 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Schedule(chunk(30 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, func() bool { return sink.playCount() == 2 }, "timeout waiting for both chunks")

	sink.mu.Lock()
	gap := sink.plays[1].Sub(sink.plays[0])
	sink.mu.Unlock()
	// The second Play fires at the first chunk's scheduled end (~30ms later).
	if gap < 20*time.Millisecond {
		t.Errorf("second chunk started %v after first; want ≥ ~30ms", gap)
	}

	waitFor(t, func() bool { return s.Active() == 0 }, "sources not removed after natural completion")
}

func TestInterrupt_StopsActiveSourcesAndResetsWatermark(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	s := playback.New(sink)
	defer s.Close()

	// Two long chunks: the first starts immediately, the second queues.
	if err := s.Schedule(chunk(500 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Schedule(chunk(500 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, func() bool { return sink.playCount() >= 1 }, "first chunk never started")

	s.Interrupt()

	if got := s.Active(); got != 0 {
		t.Errorf("Active = %d after Interrupt; want 0", got)
	}
	if !s.Watermark().IsZero() {
		t.Errorf("Watermark = %v after Interrupt; want zero", s.Watermark())
	}
	if sink.stopCount() != 1 {
		t.Errorf("sink.Stop calls = %d; want 1", sink.stopCount())
	}

	// The queued second chunk must never reach the sink.
	time.Sleep(50 * time.Millisecond)
	if got := sink.playCount(); got != 1 {
		t.Errorf("Play calls after Interrupt = %d; want 1", got)
	}
}

func TestInterrupt_IdempotentAndSafeWhenIdle(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	s := playback.New(sink)
	defer s.Close()

	s.Interrupt() // empty active set: no-op
	s.Interrupt()
	if sink.stopCount() != 0 {
		t.Errorf("sink.Stop calls = %d on idle Interrupt; want 0", sink.stopCount())
	}

	if err := s.Schedule(chunk(200 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Interrupt()
	s.Interrupt() // second call finds an empty set
	if sink.stopCount() != 1 {
		t.Errorf("sink.Stop calls = %d; want 1", sink.stopCount())
	}
}

func TestSchedule_AfterInterruptStartsImmediately(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(2000, 0)
	s := playback.New(&fakeSink{}, playback.WithNowFunc(func() time.Time { return t0 }))
	defer s.Close()

	// Build up a long queue, then interrupt it away.
	for range 5 {
		if err := s.Schedule(chunk(time.Second)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	s.Interrupt()

	if err := s.Schedule(chunk(100 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// Starts at "now" rather than behind the five stale seconds.
	if want := t0.Add(100 * time.Millisecond); !s.Watermark().Equal(want) {
		t.Errorf("watermark = %v; want %v", s.Watermark(), want)
	}
}

func TestClose_IdempotentAndRejectsFurtherChunks(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	s := playback.New(sink)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sink.closes != 1 {
		t.Errorf("sink.Close calls = %d; want 1", sink.closes)
	}

	if err := s.Schedule(chunk(10 * time.Millisecond)); err == nil {
		t.Error("Schedule after Close should fail")
	}
}
