// Package heuristics turns noisy per-frame face observations into
// debounced, cooldown-limited violation reports.
package heuristics

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/examwatch/proctor/internal/detect"
)

// Kind enumerates violation categories. The set is open: new kinds only
// need an entry in the tracks map, which is created on first use.
type Kind string

const (
	KindFaceNotDetected Kind = "FACE_NOT_DETECTED"
	KindMultipleFaces   Kind = "MULTIPLE_FACES"
	KindLookingAway     Kind = "LOOKING_AWAY"
	KindTabSwitching    Kind = "TAB_SWITCHING"
)

// Details carries measured context for a confirmed violation.
type Details struct {
	FaceCount  int           `json:"face_count"`
	Yaw        float64       `json:"yaw,omitempty"`
	Pitch      float64       `json:"pitch,omitempty"`
	GazeOffset float64       `json:"gaze_offset,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Config holds all heuristic thresholds with their defaults.
type Config struct {
	AllowedFaces        int
	YawThresholdDeg     float64
	PitchThresholdDeg   float64
	GazeOffsetThreshold float64
	SustainDuration     time.Duration
	Cooldown            time.Duration

	// EscalationThresholds maps a kind to the confirmed-occurrence
	// count at which OnExceedThreshold fires. Kinds without an entry
	// never escalate.
	EscalationThresholds map[Kind]int
}

// NewDefaultConfig returns the tuned defaults.
func NewDefaultConfig() Config {
	return Config{
		AllowedFaces:        1,
		YawThresholdDeg:     30,
		PitchThresholdDeg:   20,
		GazeOffsetThreshold: 0.45,
		SustainDuration:     time.Second,
		Cooldown:            10 * time.Second,
		EscalationThresholds: map[Kind]int{
			KindTabSwitching: 2,
		},
	}
}

type phase int

const (
	phaseInactive phase = iota
	phaseAccumulating
	phaseCooldown
)

// trackState is the per-kind debounce/cooldown machine.
type trackState struct {
	phase          phase
	activeSince    time.Time
	cooldownUntil  time.Time
	lastReportedAt time.Time
	occurrences    int
	escalated      bool
}

// Engine owns one trackState per kind for a monitoring session. Frames
// are processed in arrival order; all mutation happens under one mutex
// so transitions never interleave.
type Engine struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	onConfirmed       func(Kind, Details)
	onExceedThreshold func(Kind, int)

	mu     sync.Mutex
	tracks map[Kind]*trackState
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a time source, used by tests to drive debounce and
// cooldown deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithExceedThreshold sets the escalation callback. It fires once per
// crossing, on the occurrence that reaches the configured threshold.
func WithExceedThreshold(fn func(kind Kind, occurrences int)) Option {
	return func(e *Engine) { e.onExceedThreshold = fn }
}

// NewEngine creates an engine that invokes onConfirmed exactly once per
// confirmed violation.
func NewEngine(cfg Config, onConfirmed func(Kind, Details), opts ...Option) *Engine {
	if cfg.AllowedFaces <= 0 {
		cfg.AllowedFaces = 1
	}
	e := &Engine{
		cfg:         cfg,
		now:         time.Now,
		logger:      zap.L().Named("heuristics"),
		onConfirmed: onConfirmed,
		tracks:      make(map[Kind]*trackState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process classifies one frame observation and advances every camera
// derived track. Tab switching is host-reported and not touched here.
func (e *Engine) Process(obs detect.Observation) {
	now := e.now()
	count := obs.FaceCount()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.step(KindFaceNotDetected, count == 0, now, Details{FaceCount: count})
	e.step(KindMultipleFaces, count > e.cfg.AllowedFaces, now, Details{FaceCount: count})

	var away bool
	det := Details{FaceCount: count}
	if primary, ok := obs.Primary(); ok {
		pose := EstimatePose(primary)
		away = math.Abs(pose.Yaw) > e.cfg.YawThresholdDeg ||
			math.Abs(pose.Pitch) > e.cfg.PitchThresholdDeg ||
			pose.GazeOffset > e.cfg.GazeOffsetThreshold
		det.Yaw = pose.Yaw
		det.Pitch = pose.Pitch
		det.GazeOffset = pose.GazeOffset
		det.Confidence = primary.Confidence
	}
	e.step(KindLookingAway, away, now, det)
}

// TrackTabSwitching records a host-reported focus loss. A focus-loss
// event is already discrete, so it confirms immediately instead of
// accumulating, but the per-kind cooldown still caps report frequency.
func (e *Engine) TrackTabSwitching() {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.track(KindTabSwitching)
	if st.phase == phaseCooldown {
		if now.Before(st.cooldownUntil) {
			return
		}
		st.phase = phaseInactive
	}
	e.confirm(KindTabSwitching, st, now, Details{})
}

// step advances one kind's machine for the current frame. Caller holds
// e.mu.
func (e *Engine) step(kind Kind, active bool, now time.Time, det Details) {
	st := e.track(kind)

	if st.phase == phaseCooldown {
		if now.Before(st.cooldownUntil) {
			return
		}
		// Cooldown elapsed; fall through so a still-active condition
		// starts accumulating again this frame.
		st.phase = phaseInactive
	}

	switch st.phase {
	case phaseInactive:
		if active {
			st.phase = phaseAccumulating
			st.activeSince = now
			if e.cfg.SustainDuration <= 0 {
				e.confirm(kind, st, now, det)
			}
		}
	case phaseAccumulating:
		if !active {
			// Transient glitch shorter than the sustain window.
			st.phase = phaseInactive
			return
		}
		if now.Sub(st.activeSince) >= e.cfg.SustainDuration {
			det.Duration = now.Sub(st.activeSince)
			e.confirm(kind, st, now, det)
		}
	}
}

// confirm fires the single report for a confirmed violation and enters
// cooldown. Caller holds e.mu.
func (e *Engine) confirm(kind Kind, st *trackState, now time.Time, det Details) {
	st.occurrences++
	st.lastReportedAt = now
	st.phase = phaseCooldown
	st.cooldownUntil = now.Add(e.cfg.Cooldown)

	e.logger.Info("violation confirmed",
		zap.String("kind", string(kind)),
		zap.Int("occurrences", st.occurrences),
		zap.Duration("duration", det.Duration))

	if e.onConfirmed != nil {
		e.onConfirmed(kind, det)
	}

	if thr, ok := e.cfg.EscalationThresholds[kind]; ok && !st.escalated && st.occurrences >= thr {
		st.escalated = true
		e.logger.Warn("violation threshold exceeded",
			zap.String("kind", string(kind)),
			zap.Int("occurrences", st.occurrences),
			zap.Int("threshold", thr))
		if e.onExceedThreshold != nil {
			e.onExceedThreshold(kind, st.occurrences)
		}
	}
}

// track returns the state for kind, creating it on first use. Caller
// holds e.mu.
func (e *Engine) track(kind Kind) *trackState {
	st, ok := e.tracks[kind]
	if !ok {
		st = &trackState{}
		e.tracks[kind] = st
	}
	return st
}

// Occurrences returns the confirmed count for kind this session.
func (e *Engine) Occurrences(kind Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.tracks[kind]; ok {
		return st.occurrences
	}
	return 0
}

// LastReportedAt returns when kind last confirmed, zero if never.
func (e *Engine) LastReportedAt(kind Kind) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.tracks[kind]; ok {
		return st.lastReportedAt
	}
	return time.Time{}
}

// ResetActivityCounter zeroes the state for one kind only.
func (e *Engine) ResetActivityCounter(kind Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tracks, kind)
}

// ResetAllCounters zeroes every kind's state. A previously escalated
// kind will not re-fire OnExceedThreshold until its threshold is
// crossed again from zero.
func (e *Engine) ResetAllCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks = make(map[Kind]*trackState)
}
