package sampler

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/examwatch/proctor/internal/detect"
)

// fakeReader yields a fresh frame every interval, like a track decoder.
type fakeReader struct {
	interval time.Duration
	reads    atomic.Int64
	released atomic.Int64
}

func (r *fakeReader) Read() (image.Image, func(), error) {
	time.Sleep(r.interval)
	r.reads.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	return img, func() { r.released.Add(1) }, nil
}

// slowDetector simulates a model slower than the frame rate and records
// how many Detect calls ever overlap.
type slowDetector struct {
	latency     time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int64
}

func (d *slowDetector) Detect(ctx context.Context, _ image.Image) ([]detect.Face, error) {
	cur := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		max := d.maxInFlight.Load()
		if cur <= max || d.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	d.calls.Add(1)

	select {
	case <-time.After(d.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []detect.Face{{Confidence: 0.9}}, nil
}

func (d *slowDetector) Close() error { return nil }

func TestInferenceNeverOverlaps(t *testing.T) {
	reader := &fakeReader{interval: 5 * time.Millisecond}
	detector := &slowDetector{latency: 30 * time.Millisecond}

	var mu sync.Mutex
	var timestamps []time.Time
	sink := func(obs detect.Observation, _ image.Image) {
		mu.Lock()
		timestamps = append(timestamps, obs.Timestamp)
		mu.Unlock()
	}

	s := New(reader, detector, sink, nil)
	s.Start(context.Background())
	time.Sleep(300 * time.Millisecond)
	s.Stop()

	if got := detector.maxInFlight.Load(); got != 1 {
		t.Fatalf("detector concurrency = %d, expected 1", got)
	}

	stats := s.GetStats()
	if stats.FramesInferred == 0 {
		t.Fatal("expected at least one inference")
	}
	if stats.FramesSkipped == 0 {
		t.Fatal("a detector slower than the frame rate must skip frames")
	}
	if stats.FramesRead < stats.FramesInferred+stats.FramesSkipped {
		t.Fatalf("read %d frames but inferred %d and skipped %d",
			stats.FramesRead, stats.FramesInferred, stats.FramesSkipped)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i].Before(timestamps[i-1]) {
			t.Fatalf("observations out of order at %d", i)
		}
	}
}

func TestEveryFrameReleased(t *testing.T) {
	reader := &fakeReader{interval: 5 * time.Millisecond}
	detector := &slowDetector{latency: 20 * time.Millisecond}

	s := New(reader, detector, func(detect.Observation, image.Image) {}, nil)
	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	// The reader clones frames before releasing, so every successful
	// read must be paired with a release regardless of skipping.
	if reads, released := reader.reads.Load(), reader.released.Load(); reads != released {
		t.Fatalf("read %d frames, released %d", reads, released)
	}
}

func TestStopDrainsInFlightWork(t *testing.T) {
	reader := &fakeReader{interval: 5 * time.Millisecond}
	detector := &slowDetector{latency: 50 * time.Millisecond}

	s := New(reader, detector, func(detect.Observation, image.Image) {}, nil)
	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if s.IsRunning() {
		t.Fatal("sampler should report stopped")
	}
	if got := detector.inFlight.Load(); got != 0 {
		t.Fatalf("inference still in flight after Stop: %d", got)
	}
}

func TestStartTwiceIsNoOp(t *testing.T) {
	reader := &fakeReader{interval: 5 * time.Millisecond}
	detector := &slowDetector{latency: time.Millisecond}

	s := New(reader, detector, func(detect.Observation, image.Image) {}, nil)
	s.Start(context.Background())
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestInferenceErrorsAreCounted(t *testing.T) {
	reader := &fakeReader{interval: 5 * time.Millisecond}
	detector := &failingDetector{}

	var errCount atomic.Int64
	s := New(reader, detector, func(detect.Observation, image.Image) {
		t.Error("sink must not be called for failed inference")
	}, func(error) { errCount.Add(1) })

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	stats := s.GetStats()
	if stats.InferenceErrors == 0 {
		t.Fatal("expected inference errors to be counted")
	}
	if errCount.Load() == 0 {
		t.Fatal("expected the error callback to fire")
	}
	if stats.FramesInferred != 0 {
		t.Fatalf("no frame should count as inferred, got %d", stats.FramesInferred)
	}
}

type failingDetector struct{}

func (d *failingDetector) Detect(context.Context, image.Image) ([]detect.Face, error) {
	return nil, context.DeadlineExceeded
}

func (d *failingDetector) Close() error { return nil }
