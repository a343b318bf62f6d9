// Package enroll implements the face registration and verification
// flows. Both are ordinary camera broker consumers: they capture still
// frames and conflict with live monitoring by design.
package enroll

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examwatch/proctor/internal/camera"
	"github.com/examwatch/proctor/internal/detect"
)

const (
	registrationConsumer = "face-registration"
	verificationConsumer = "face-verification"

	jpegQuality = 85
)

// Snapshots is the subset of object storage the flows need.
type Snapshots interface {
	PutSnapshot(ctx context.Context, key string, jpegData []byte) error
}

// EnrollmentStore is the subset of the database the flows need. May be
// satisfied by *Store.
type EnrollmentStore interface {
	InsertEnrollment(ctx context.Context, e Enrollment) error
}

// IdentityService is the backend face verification collaborator.
type IdentityService interface {
	VerifyFace(ctx context.Context, userID string, jpegData []byte) (bool, error)
}

// Registrar runs both still-capture flows against the shared camera.
type Registrar struct {
	broker    *camera.Broker
	detector  detect.FaceLandmarkDetector
	snapshots Snapshots
	store     EnrollmentStore
	identity  IdentityService
	logger    *zap.Logger

	// stabilizeDelay lets auto-exposure settle between captures.
	stabilizeDelay time.Duration
}

// NewRegistrar wires the flows. snapshots and store may be nil when the
// agent runs without storage backends; captures are then only verified
// in memory.
func NewRegistrar(broker *camera.Broker, detector detect.FaceLandmarkDetector, snapshots Snapshots, store EnrollmentStore, identity IdentityService) *Registrar {
	return &Registrar{
		broker:         broker,
		detector:       detector,
		snapshots:      snapshots,
		store:          store,
		identity:       identity,
		logger:         zap.L().Named("enroll"),
		stabilizeDelay: 300 * time.Millisecond,
	}
}

// Register captures samples stills of the user's face, requiring
// exactly one face per kept frame, and stores them. The camera is
// always released on return, including every error path.
func (r *Registrar) Register(ctx context.Context, userID string, samples int) ([]Enrollment, error) {
	if samples <= 0 {
		samples = 3
	}

	stream, err := r.broker.Acquire(ctx, registrationConsumer)
	if err != nil {
		return nil, err
	}
	defer r.broker.Release(registrationConsumer)

	reader, err := stream.Reader()
	if err != nil {
		return nil, fmt.Errorf("enroll: open frame reader: %w", err)
	}

	var out []Enrollment
	attempts := 0
	maxAttempts := samples * 10 // tolerate unusable frames, but bounded

	for len(out) < samples && attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		attempts++

		frame, face, err := r.captureOneFace(ctx, reader)
		if err != nil {
			r.logger.Debug("enrollment frame rejected", zap.Error(err))
			continue
		}

		data, err := encodeJPEG(frame)
		if err != nil {
			return out, err
		}

		e := Enrollment{
			ID:             uuid.New().String(),
			UserID:         userID,
			SnapshotKey:    fmt.Sprintf("enrollments/%s/%s.jpg", userID, uuid.New().String()),
			FaceConfidence: face.Confidence,
			CreatedAt:      time.Now(),
		}

		if r.snapshots != nil {
			if err := r.snapshots.PutSnapshot(ctx, e.SnapshotKey, data); err != nil {
				return out, err
			}
		}
		if r.store != nil {
			if err := r.store.InsertEnrollment(ctx, e); err != nil {
				return out, err
			}
		}

		out = append(out, e)
		r.logger.Info("enrollment sample captured",
			zap.String("user_id", userID),
			zap.Int("sample", len(out)),
			zap.Float64("confidence", face.Confidence))

		time.Sleep(r.stabilizeDelay)
	}

	if len(out) < samples {
		return out, fmt.Errorf("enroll: captured %d of %d usable samples", len(out), samples)
	}
	return out, nil
}

// Verify captures one still and submits it for identity verification.
func (r *Registrar) Verify(ctx context.Context, userID string) (bool, error) {
	if r.identity == nil {
		return false, fmt.Errorf("enroll: no identity service configured")
	}

	stream, err := r.broker.Acquire(ctx, verificationConsumer)
	if err != nil {
		return false, err
	}
	defer r.broker.Release(verificationConsumer)

	reader, err := stream.Reader()
	if err != nil {
		return false, fmt.Errorf("enroll: open frame reader: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		frame, _, err := r.captureOneFace(ctx, reader)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := encodeJPEG(frame)
		if err != nil {
			return false, err
		}
		return r.identity.VerifyFace(ctx, userID, data)
	}
	return false, fmt.Errorf("enroll: no usable verification frame: %w", lastErr)
}

// captureOneFace reads one frame and requires exactly one face in it.
func (r *Registrar) captureOneFace(ctx context.Context, reader camera.FrameReader) (image.Image, detect.Face, error) {
	img, release, err := reader.Read()
	if err != nil {
		return nil, detect.Face{}, fmt.Errorf("enroll: read frame: %w", err)
	}
	defer func() {
		if release != nil {
			release()
		}
	}()

	faces, err := r.detector.Detect(ctx, img)
	if err != nil {
		return nil, detect.Face{}, fmt.Errorf("enroll: detect: %w", err)
	}
	switch len(faces) {
	case 0:
		return nil, detect.Face{}, fmt.Errorf("enroll: no face in frame")
	case 1:
	default:
		return nil, detect.Face{}, fmt.Errorf("enroll: %d faces in frame, need exactly one", len(faces))
	}

	return cloneImage(img), faces[0], nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("enroll: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// cloneImage copies the frame before its reader buffer is released.
func cloneImage(img image.Image) image.Image {
	switch src := img.(type) {
	case *image.RGBA:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	case *image.YCbCr:
		dst := *src
		dst.Y = append([]byte(nil), src.Y...)
		dst.Cb = append([]byte(nil), src.Cb...)
		dst.Cr = append([]byte(nil), src.Cr...)
		return &dst
	default:
		return img
	}
}
