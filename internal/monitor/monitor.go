// Package monitor composes the proctoring session: camera lease, frame
// sampler, heuristics engine and violation reporter, with a teardown
// path that guarantees the camera is released exactly once.
package monitor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"go.uber.org/zap"

	"github.com/examwatch/proctor/internal/camera"
	"github.com/examwatch/proctor/internal/detect"
	"github.com/examwatch/proctor/internal/heuristics"
	"github.com/examwatch/proctor/internal/report"
	"github.com/examwatch/proctor/internal/sampler"
)

// State describes what the session is currently doing.
type State string

const (
	// StateIdle: constructed or cleanly stopped.
	StateIdle State = "idle"
	// StateMonitoring: camera held, frame loop running.
	StateMonitoring State = "monitoring"
	// StateDegraded: setup failed; the assessment flow stays usable but
	// monitoring is unavailable until the user retries.
	StateDegraded State = "degraded"
)

// DetectorFactory builds the landmark detector, once per monitoring
// session. A factory error is a fatal setup failure for the session.
type DetectorFactory func() (detect.FaceLandmarkDetector, error)

// Config wires a session.
type Config struct {
	// ConsumerID names this session toward the camera broker.
	ConsumerID string
	// Heuristics thresholds; zero value gets defaults.
	Heuristics heuristics.Config
	// OnExceedThreshold fires when a kind crosses its escalation
	// threshold; the host should show a high-severity alert. May be nil.
	OnExceedThreshold func(kind string, occurrences int)
}

// Status is the snapshot surfaced to the host UI and control API.
type Status struct {
	State       State          `json:"state"`
	CameraError *camera.Error  `json:"camera_error,omitempty"`
	SetupError  string         `json:"setup_error,omitempty"`
	Holder      string         `json:"camera_holder,omitempty"`
	Stats       sampler.Stats  `json:"stats"`
	Occurrences map[string]int `json:"occurrences"`
}

// Session is one student's live monitoring run.
type Session struct {
	cfg      Config
	broker   *camera.Broker
	factory  DetectorFactory
	reporter *report.Reporter
	engine   *heuristics.Engine
	logger   *zap.Logger

	mu        sync.Mutex
	state     State
	camErr    *camera.Error
	setupErr  error
	detector  detect.FaceLandmarkDetector
	smp       *sampler.Sampler
	lastFrame image.Image
	watchStop chan struct{}
}

// NewSession creates an idle session. The heuristics engine lives as
// long as the session, so violation counters survive camera retries
// and are only cleared by the reset operations or session end.
func NewSession(cfg Config, broker *camera.Broker, factory DetectorFactory, reporter *report.Reporter) *Session {
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = "attention-monitor"
	}
	if cfg.Heuristics.SustainDuration == 0 && cfg.Heuristics.Cooldown == 0 {
		cfg.Heuristics = heuristics.NewDefaultConfig()
	}

	s := &Session{
		cfg:      cfg,
		broker:   broker,
		factory:  factory,
		reporter: reporter,
		logger:   zap.L().Named("monitor"),
		state:    StateIdle,
	}

	opts := []heuristics.Option{}
	if cfg.OnExceedThreshold != nil {
		opts = append(opts, heuristics.WithExceedThreshold(func(kind heuristics.Kind, n int) {
			cfg.OnExceedThreshold(string(kind), n)
		}))
	}
	s.engine = heuristics.NewEngine(cfg.Heuristics, s.handleConfirmed, opts...)
	return s
}

// Start acquires the camera and runs the pipeline. Setup failures roll
// back any partial acquisition: if the stream opens but the detector
// fails to load, the lease is released before returning.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateMonitoring {
		return nil
	}
	s.camErr = nil
	s.setupErr = nil

	stream, err := s.broker.Acquire(ctx, s.cfg.ConsumerID)
	if err != nil {
		s.state = StateDegraded
		s.camErr = camera.AsError(err)
		return err
	}

	detector, err := s.factory()
	if err != nil {
		s.broker.Release(s.cfg.ConsumerID)
		s.state = StateDegraded
		s.setupErr = err
		s.logger.Error("detector setup failed, monitoring unavailable", zap.Error(err))
		return fmt.Errorf("monitor: detector setup: %w", err)
	}

	reader, err := stream.Reader()
	if err != nil {
		_ = detector.Close()
		s.broker.Release(s.cfg.ConsumerID)
		s.state = StateDegraded
		s.setupErr = err
		return fmt.Errorf("monitor: %w", err)
	}

	s.detector = detector
	s.smp = sampler.New(reader, detector, s.handleObservation, nil)
	s.smp.Start(ctx)
	s.state = StateMonitoring

	// Guaranteed release on context cancellation, even if the host
	// never calls Stop.
	s.watchStop = make(chan struct{})
	go func(done <-chan struct{}) {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}(s.watchStop)

	s.logger.Info("monitoring started", zap.String("consumer", s.cfg.ConsumerID))
	return nil
}

// Stop tears the pipeline down: frame loop first, then detector, then
// camera release, so no inference ever runs against a stopped stream.
// Safe to call repeatedly and from the context watcher.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != StateMonitoring {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	smp := s.smp
	detector := s.detector
	watch := s.watchStop
	s.smp = nil
	s.detector = nil
	s.watchStop = nil
	s.mu.Unlock()

	if watch != nil {
		close(watch)
	}
	if smp != nil {
		smp.Stop()
	}
	if detector != nil {
		_ = detector.Close()
	}
	s.broker.Release(s.cfg.ConsumerID)
	s.logger.Info("monitoring stopped", zap.String("consumer", s.cfg.ConsumerID))
}

// RetryCamera re-runs the acquisition sequence after a failure. Retries
// are user-initiated by design: the usual cause is a permission prompt
// that needs a fresh user gesture, so no automatic backoff loop.
func (s *Session) RetryCamera(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateMonitoring {
		s.mu.Unlock()
		return nil
	}
	s.state = StateIdle
	s.mu.Unlock()
	return s.Start(ctx)
}

// TrackTabSwitching records a host-reported focus loss.
func (s *Session) TrackTabSwitching() { s.engine.TrackTabSwitching() }

// ResetActivityCounter zeroes one violation kind's state.
func (s *Session) ResetActivityCounter(kind heuristics.Kind) {
	s.engine.ResetActivityCounter(kind)
}

// ResetAllCounters zeroes every violation kind's state.
func (s *Session) ResetAllCounters() { s.engine.ResetAllCounters() }

// Status reports the session snapshot for the host UI.
func (s *Session) Status() Status {
	s.mu.Lock()
	state := s.state
	camErr := s.camErr
	setupErr := s.setupErr
	smp := s.smp
	s.mu.Unlock()

	st := Status{
		State:       state,
		CameraError: camErr,
		Occurrences: map[string]int{},
	}
	if setupErr != nil {
		st.SetupError = setupErr.Error()
	}
	if holder, ok := s.broker.Holder(); ok {
		st.Holder = holder
	}
	if smp != nil {
		st.Stats = smp.GetStats()
	}
	for _, k := range []heuristics.Kind{
		heuristics.KindFaceNotDetected,
		heuristics.KindMultipleFaces,
		heuristics.KindLookingAway,
		heuristics.KindTabSwitching,
	} {
		st.Occurrences[string(k)] = s.engine.Occurrences(k)
	}
	return st
}

// handleObservation is the sampler sink.
func (s *Session) handleObservation(obs detect.Observation, frame image.Image) {
	s.mu.Lock()
	s.lastFrame = frame
	s.mu.Unlock()
	s.engine.Process(obs)
}

// handleConfirmed runs inside engine.Process, in frame order.
func (s *Session) handleConfirmed(kind heuristics.Kind, det heuristics.Details) {
	var snapshot []byte
	s.mu.Lock()
	frame := s.lastFrame
	s.mu.Unlock()
	if frame != nil {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: 80}); err == nil {
			snapshot = buf.Bytes()
		}
	}
	s.reporter.Report(context.Background(), kind, det, snapshot)
}
