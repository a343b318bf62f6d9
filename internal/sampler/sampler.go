// Package sampler drives the per-frame inference loop: it pulls frames
// from the camera at the track's decode rate, feeds them to the
// landmark detector, and hands each observation to the heuristics sink.
//
// Inference calls for a session are strictly serialized. Frames that
// arrive while an inference is in flight are skipped, never queued, so
// a slow detector cannot build an unbounded backlog.
package sampler

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/examwatch/proctor/internal/camera"
	"github.com/examwatch/proctor/internal/detect"
)

// Stats tracks sampler throughput for the status surface.
type Stats struct {
	FramesRead      int64
	FramesInferred  int64
	FramesSkipped   int64
	InferenceErrors int64
	LastObservation time.Time
}

type timedFrame struct {
	img image.Image
	ts  time.Time
}

// Sampler owns the read and inference goroutines for one session.
// Sink receives each observation together with the (already cloned)
// frame that produced it, in frame arrival order.
type Sink func(obs detect.Observation, frame image.Image)

type Sampler struct {
	reader   camera.FrameReader
	detector detect.FaceLandmarkDetector
	sink     Sink
	onError  func(error)
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running  atomic.Bool
	inFlight atomic.Bool
	frames   chan timedFrame

	stats struct {
		framesRead      atomic.Int64
		framesInferred  atomic.Int64
		framesSkipped   atomic.Int64
		inferenceErrors atomic.Int64
		lastObservation atomic.Value // time.Time
	}
}

// New creates a sampler. onError receives non-fatal inference errors
// and may be nil.
func New(reader camera.FrameReader, detector detect.FaceLandmarkDetector, sink Sink, onError func(error)) *Sampler {
	return &Sampler{
		reader:   reader,
		detector: detector,
		sink:     sink,
		onError:  onError,
		logger:   zap.L().Named("sampler"),
		frames:   make(chan timedFrame, 1),
	}
}

// Start launches the frame loop. Starting twice is a no-op.
func (s *Sampler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stats.lastObservation.Store(time.Time{})

	s.wg.Add(2)
	go s.readLoop()
	go s.inferLoop()
}

// readLoop pulls frames at the decode rate and forwards at most one
// pending frame to the inference goroutine.
func (s *Sampler) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		img, release, err := s.reader.Read()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("frame read failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.stats.framesRead.Add(1)

		if s.inFlight.Load() {
			// Previous inference still running: drop this tick.
			s.stats.framesSkipped.Add(1)
			if release != nil {
				release()
			}
			continue
		}

		frame := timedFrame{img: cloneFrame(img), ts: time.Now()}
		if release != nil {
			release()
		}

		select {
		case s.frames <- frame:
		default:
			s.stats.framesSkipped.Add(1)
		}
	}
}

// inferLoop runs detections one at a time, in frame arrival order.
func (s *Sampler) inferLoop() {
	defer s.wg.Done()

	for frame := range s.frames {
		s.inFlight.Store(true)
		faces, err := s.detector.Detect(s.ctx, frame.img)
		s.inFlight.Store(false)

		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.stats.inferenceErrors.Add(1)
			s.logger.Warn("inference failed", zap.Error(err))
			if s.onError != nil {
				s.onError(err)
			}
			continue
		}

		s.stats.framesInferred.Add(1)
		s.stats.lastObservation.Store(frame.ts)
		s.sink(detect.Observation{Faces: faces, Timestamp: frame.ts}, frame.img)
	}
}

// Stop cancels the loop and waits for in-flight work to drain, so no
// inference is ever attempted on a stream stopped after this returns.
func (s *Sampler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Error("sampler stop timed out")
	}
}

// IsRunning reports whether the loop is active.
func (s *Sampler) IsRunning() bool { return s.running.Load() }

// GetStats returns a snapshot of throughput counters.
func (s *Sampler) GetStats() Stats {
	last, _ := s.stats.lastObservation.Load().(time.Time)
	return Stats{
		FramesRead:      s.stats.framesRead.Load(),
		FramesInferred:  s.stats.framesInferred.Load(),
		FramesSkipped:   s.stats.framesSkipped.Load(),
		InferenceErrors: s.stats.inferenceErrors.Load(),
		LastObservation: last,
	}
}

// cloneFrame copies the frame before release is called; webcam readers
// reuse their buffers between reads.
func cloneFrame(img image.Image) image.Image {
	switch src := img.(type) {
	case *image.RGBA:
		dst := *src
		dst.Pix = make([]byte, len(src.Pix))
		copy(dst.Pix, src.Pix)
		return &dst
	case *image.YCbCr:
		dst := *src
		dst.Y = make([]byte, len(src.Y))
		dst.Cb = make([]byte, len(src.Cb))
		dst.Cr = make([]byte, len(src.Cr))
		copy(dst.Y, src.Y)
		copy(dst.Cb, src.Cb)
		copy(dst.Cr, src.Cr)
		return &dst
	default:
		return img
	}
}
