// Package detect defines the face-landmark detection capability used by
// the monitoring pipeline. The concrete model runtime is opaque: a
// detector takes an image frame and returns zero or more faces, each as
// an ordered set of normalized landmark points.
package detect

import (
	"context"
	"image"
	"time"
)

// Point is a landmark position normalized to the frame, so x and y are
// in [0,1] regardless of capture resolution.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Five-point landmark layout. Every detector implementation must emit
// landmarks in this order.
const (
	LandmarkRightEye   = 0
	LandmarkLeftEye    = 1
	LandmarkNoseTip    = 2
	LandmarkMouthRight = 3
	LandmarkMouthLeft  = 4

	LandmarkCount = 5
)

// Box is a face bounding box in the same normalized coordinate space as
// the landmarks.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CenterX returns the horizontal center of the box.
func (b Box) CenterX() float64 { return b.X + b.Width/2 }

// CenterY returns the vertical center of the box.
func (b Box) CenterY() float64 { return b.Y + b.Height/2 }

// Face is a single detected face.
type Face struct {
	Box        Box     `json:"box"`
	Landmarks  []Point `json:"landmarks"`
	Confidence float64 `json:"confidence"`
}

// Observation is the per-frame inference result handed to the
// heuristics engine. It is produced and consumed within one frame
// cycle and never persisted.
type Observation struct {
	Faces     []Face
	Timestamp time.Time
}

// FaceCount returns the number of faces in the observation.
func (o Observation) FaceCount() int { return len(o.Faces) }

// Primary returns the most confident face, falling back to the largest
// one when confidences tie. ok is false when no face was detected.
func (o Observation) Primary() (Face, bool) {
	if len(o.Faces) == 0 {
		return Face{}, false
	}
	best := o.Faces[0]
	for _, f := range o.Faces[1:] {
		if f.Confidence > best.Confidence {
			best = f
			continue
		}
		if f.Confidence == best.Confidence && f.Box.Width*f.Box.Height > best.Box.Width*best.Box.Height {
			best = f
		}
	}
	return best, true
}

// FaceLandmarkDetector is the injected inference capability. Detect
// calls for one session are serialized by the frame sampler; an
// implementation does not need to be safe for concurrent Detect calls,
// though Close may race with nothing (it is called only after the
// sampler has drained).
type FaceLandmarkDetector interface {
	Detect(ctx context.Context, frame image.Image) ([]Face, error)
	Close() error
}

// Config bounds detector output.
type Config struct {
	// MaxFaces caps how many faces a single frame may report.
	MaxFaces int
	// MinConfidence drops detections below this score.
	MinConfidence float64
}

// Normalize applies defaults in place.
func (c *Config) Normalize() {
	if c.MaxFaces <= 0 {
		c.MaxFaces = 4
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
}
