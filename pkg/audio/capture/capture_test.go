package capture_test

import (
	"sync"
	"testing"
	"time"

	"github.com/andee-ai/andee/pkg/audio"
	"github.com/andee-ai/andee/pkg/audio/capture"
)

// fakeSource is a Source fed manually by tests.
type fakeSource struct {
	ch chan []float32

	mu     sync.Mutex
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan []float32, 16)}
}

func (f *fakeSource) Samples() <-chan []float32 { return f.ch }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// collectPackets returns a sink that appends into a mutex-guarded slice.
func collectPackets() (capture.SinkFunc, func() []audio.Packet) {
	var mu sync.Mutex
	var got []audio.Packet
	sink := func(p audio.Packet) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	}
	return sink, func() []audio.Packet {
		mu.Lock()
		defer mu.Unlock()
		return append([]audio.Packet(nil), got...)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipeline_EmitsOnePacketPerFrame(t *testing.T) {
	t.Parallel()

	sink, packets := collectPackets()
	p := capture.New(sink, capture.WithFrameSize(4))
	src := newFakeSource()

	if err := p.Start(src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// 10 samples at frame size 4 → exactly two full frames.
	src.ch <- []float32{0.1, 0.2, 0.3}
	src.ch <- []float32{0.4, 0.5}
	src.ch <- []float32{0.6, 0.7, 0.8, 0.9, 1.0}

	waitFor(t, func() bool { return len(packets()) == 2 }, "timeout waiting for 2 packets")

	for i, pkt := range packets() {
		if pkt.MIMEType != audio.CaptureMIMEType {
			t.Errorf("packet %d MIMEType = %q; want %q", i, pkt.MIMEType, audio.CaptureMIMEType)
		}
		raw, err := audio.FromTransportText(pkt.Data)
		if err != nil {
			t.Fatalf("packet %d payload: %v", i, err)
		}
		if len(raw) != 8 { // 4 samples × 2 bytes
			t.Errorf("packet %d payload length = %d; want 8", i, len(raw))
		}
	}
}

func TestPipeline_PreservesCaptureOrder(t *testing.T) {
	t.Parallel()

	sink, packets := collectPackets()
	p := capture.New(sink, capture.WithFrameSize(2))
	src := newFakeSource()

	if err := p.Start(src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// Distinct sample values per frame so order is observable after decode.
	src.ch <- []float32{0.125, 0.125, 0.25, 0.25, 0.5, 0.5}

	waitFor(t, func() bool { return len(packets()) == 3 }, "timeout waiting for 3 packets")

	want := []float32{0.125, 0.25, 0.5}
	for i, pkt := range packets() {
		raw, _ := audio.FromTransportText(pkt.Data)
		frame, err := audio.DecodeSamples(raw, audio.CaptureRate, 1)
		if err != nil {
			t.Fatalf("decode packet %d: %v", i, err)
		}
		if frame.Samples[0] != want[i] {
			t.Errorf("packet %d first sample = %v; want %v", i, frame.Samples[0], want[i])
		}
	}
}

func TestPipeline_StartTwiceFails(t *testing.T) {
	t.Parallel()

	p := capture.New(func(audio.Packet) {})
	src := newFakeSource()

	if err := p.Start(src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := p.Start(newFakeSource()); err == nil {
		t.Error("second Start should fail while running")
	}
}

func TestPipeline_StopClosesSourceAndIsIdempotent(t *testing.T) {
	t.Parallel()

	p := capture.New(func(audio.Packet) {})
	src := newFakeSource()

	if err := p.Start(src); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.Stop()
	if !src.isClosed() {
		t.Error("Stop should close the source")
	}

	p.Stop() // second Stop is a no-op
	p.Stop()
}

func TestPipeline_StopWithoutStartIsNoOp(t *testing.T) {
	t.Parallel()

	p := capture.New(func(audio.Packet) {})
	p.Stop()
}

func TestPipeline_NoPacketsAfterStop(t *testing.T) {
	t.Parallel()

	sink, packets := collectPackets()
	p := capture.New(sink, capture.WithFrameSize(2))
	src := newFakeSource()

	if err := p.Start(src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.ch <- []float32{0.1, 0.2}
	waitFor(t, func() bool { return len(packets()) == 1 }, "timeout waiting for first packet")

	p.Stop()
	n := len(packets())
	time.Sleep(20 * time.Millisecond)
	if got := len(packets()); got != n {
		t.Errorf("packets emitted after Stop: %d -> %d", n, got)
	}
}

func TestPipeline_RestartAfterStop(t *testing.T) {
	t.Parallel()

	sink, packets := collectPackets()
	p := capture.New(sink, capture.WithFrameSize(2))

	src1 := newFakeSource()
	if err := p.Start(src1); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	src1.ch <- []float32{0.1, 0.2}
	waitFor(t, func() bool { return len(packets()) == 1 }, "timeout on first session packet")
	p.Stop()

	src2 := newFakeSource()
	if err := p.Start(src2); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer p.Stop()
	src2.ch <- []float32{0.3, 0.4}
	waitFor(t, func() bool { return len(packets()) == 2 }, "timeout on second session packet")
}
