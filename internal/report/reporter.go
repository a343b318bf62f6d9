// Package report forwards confirmed violations to the assessment
// backend. Delivery is best-effort telemetry: failures are logged and
// swallowed so proctoring can never block assessment-taking.
package report

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examwatch/proctor/internal/heuristics"
)

// SuspiciousActivity is the analytics collaborator payload.
type SuspiciousActivity struct {
	EventID      string             `json:"event_id"`
	AttemptID    string             `json:"attempt_id"`
	AssessmentID string             `json:"assessment_id"`
	UserID       string             `json:"user_id"`
	Type         string             `json:"type"`
	Timestamp    time.Time          `json:"timestamp"`
	Details      heuristics.Details `json:"details"`
	Severity     string             `json:"severity"`
}

// MonitorEvent is the student-service collaborator payload.
type MonitorEvent struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Details   heuristics.Details `json:"details"`
}

// MonitorAck is the student-service response.
type MonitorAck struct {
	Received bool   `json:"received"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// AnalyticsService logs suspicious activity server-side.
type AnalyticsService interface {
	LogSuspiciousActivity(ctx context.Context, ev SuspiciousActivity) error
}

// StudentService receives webcam monitor events for the active attempt.
type StudentService interface {
	SubmitWebcamMonitorEvent(ctx context.Context, attemptID string, ev MonitorEvent) (*MonitorAck, error)
}

// SnapshotStore persists evidence stills. Optional.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, key string, jpegData []byte) error
}

// Identifiers ties reports to the assessment attempt.
type Identifiers struct {
	AttemptID    string
	AssessmentID string
	UserID       string
}

// Reporter fans a confirmed violation out to the host callback and both
// backend collaborators.
type Reporter struct {
	ids       Identifiers
	analytics AnalyticsService
	student   StudentService
	snapshots SnapshotStore // may be nil
	audit     AuditStore    // may be nil

	onViolation func(kind string)
	timeout     time.Duration
	maxRetries  uint64
	logger      *zap.Logger
}

// AuditStore records confirmed violations locally. Optional.
type AuditStore interface {
	InsertViolation(ctx context.Context, attemptID string, kind string, occurredAt time.Time, details heuristics.Details) error
}

// ReporterOption configures optional collaborators.
type ReporterOption func(*Reporter)

// WithSnapshots enables evidence snapshot upload.
func WithSnapshots(s SnapshotStore) ReporterOption {
	return func(r *Reporter) { r.snapshots = s }
}

// WithAudit enables the local audit trail.
func WithAudit(a AuditStore) ReporterOption {
	return func(r *Reporter) { r.audit = a }
}

// NewReporter creates a reporter. onViolation is invoked synchronously
// per confirmed violation so the hosting UI can react immediately,
// independent of network delivery; it may be nil.
func NewReporter(ids Identifiers, analytics AnalyticsService, student StudentService, onViolation func(kind string), opts ...ReporterOption) *Reporter {
	r := &Reporter{
		ids:         ids,
		analytics:   analytics,
		student:     student,
		onViolation: onViolation,
		timeout:     10 * time.Second,
		maxRetries:  2,
		logger:      zap.L().Named("reporter"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report handles one confirmed violation: synchronous UI callback
// first, then asynchronous best-effort delivery. snapshot may be nil.
func (r *Reporter) Report(ctx context.Context, kind heuristics.Kind, details heuristics.Details, snapshot []byte) {
	if r.onViolation != nil {
		r.onViolation(string(kind))
	}

	ev := SuspiciousActivity{
		EventID:      uuid.New().String(),
		AttemptID:    r.ids.AttemptID,
		AssessmentID: r.ids.AssessmentID,
		UserID:       r.ids.UserID,
		Type:         string(kind),
		Timestamp:    time.Now(),
		Details:      details,
		Severity:     SeverityFor(kind),
	}

	go r.deliver(ev, snapshot)
}

// deliver pushes the event to every collaborator, retrying transient
// failures briefly and then giving up quietly.
func (r *Reporter) deliver(ev SuspiciousActivity, snapshot []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if r.analytics != nil {
		if err := r.retry(ctx, func() error {
			return r.analytics.LogSuspiciousActivity(ctx, ev)
		}); err != nil {
			r.logger.Warn("analytics delivery failed",
				zap.String("event_id", ev.EventID),
				zap.String("type", ev.Type),
				zap.Error(err))
		}
	}

	if r.student != nil {
		if err := r.retry(ctx, func() error {
			ack, err := r.student.SubmitWebcamMonitorEvent(ctx, ev.AttemptID, MonitorEvent{
				Type:      ev.Type,
				Timestamp: ev.Timestamp,
				Details:   ev.Details,
			})
			if err != nil {
				return err
			}
			if ack != nil && ack.Severity != "" && ack.Severity != ev.Severity {
				r.logger.Info("backend adjusted severity",
					zap.String("event_id", ev.EventID),
					zap.String("severity", ack.Severity))
			}
			return nil
		}); err != nil {
			r.logger.Warn("monitor event delivery failed",
				zap.String("event_id", ev.EventID),
				zap.String("type", ev.Type),
				zap.Error(err))
		}
	}

	if r.snapshots != nil && len(snapshot) > 0 {
		key := ev.AttemptID + "/violations/" + ev.EventID + ".jpg"
		if err := r.snapshots.PutSnapshot(ctx, key, snapshot); err != nil {
			r.logger.Warn("evidence snapshot upload failed",
				zap.String("key", key), zap.Error(err))
		}
	}

	if r.audit != nil {
		kind := heuristics.Kind(ev.Type)
		if err := r.audit.InsertViolation(ctx, ev.AttemptID, string(kind), ev.Timestamp, ev.Details); err != nil {
			r.logger.Warn("audit insert failed",
				zap.String("event_id", ev.EventID), zap.Error(err))
		}
	}
}

func (r *Reporter) retry(ctx context.Context, op func() error) error {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 200 * time.Millisecond
	ebo.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(ebo, r.maxRetries), ctx))
}

// SeverityFor maps a violation kind to the backend severity scale.
func SeverityFor(kind heuristics.Kind) string {
	switch kind {
	case heuristics.KindMultipleFaces, heuristics.KindTabSwitching:
		return "high"
	case heuristics.KindFaceNotDetected:
		return "medium"
	default:
		return "low"
	}
}
