package detect

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/examwatch/proctor/internal/imgconv"
)

// CascadeConfig configures the local OpenCV detector.
type CascadeConfig struct {
	Config

	// FaceCascadeFile is a Haar cascade for frontal faces
	// (e.g. haarcascade_frontalface_default.xml).
	FaceCascadeFile string
	// EyeCascadeFile is a Haar cascade for eyes, used to place the eye
	// landmarks inside each face region.
	EyeCascadeFile string
}

// CascadeDetector is a local FaceLandmarkDetector built on OpenCV Haar
// cascades. It detects face rectangles, locates eyes inside each face,
// and synthesizes the five-point landmark layout from that geometry.
// Coarse compared to a learned landmark model, but it runs everywhere
// gocv does and needs no model server.
type CascadeDetector struct {
	cfg  CascadeConfig
	face gocv.CascadeClassifier
	eyes gocv.CascadeClassifier

	mu     sync.Mutex
	closed bool
	logger *zap.Logger
}

// NewCascadeDetector loads both cascade files. A load failure is fatal
// for the session; callers must not retry automatically.
func NewCascadeDetector(cfg CascadeConfig) (*CascadeDetector, error) {
	cfg.Normalize()

	face := gocv.NewCascadeClassifier()
	if !face.Load(cfg.FaceCascadeFile) {
		face.Close()
		return nil, fmt.Errorf("detect: failed to load face cascade %q", cfg.FaceCascadeFile)
	}

	eyes := gocv.NewCascadeClassifier()
	if !eyes.Load(cfg.EyeCascadeFile) {
		face.Close()
		eyes.Close()
		return nil, fmt.Errorf("detect: failed to load eye cascade %q", cfg.EyeCascadeFile)
	}

	return &CascadeDetector{
		cfg:    cfg,
		face:   face,
		eyes:   eyes,
		logger: zap.L().Named("cascade-detector"),
	}, nil
}

// Detect implements FaceLandmarkDetector.
func (d *CascadeDetector) Detect(_ context.Context, frame image.Image) ([]Face, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("detect: detector is closed")
	}

	mat, err := imgconv.ToMat(frame)
	if err != nil {
		return nil, fmt.Errorf("detect: frame conversion failed: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	rects := d.face.DetectMultiScale(gray)
	if len(rects) == 0 {
		return nil, nil
	}

	// Largest faces first; the primary face is almost always the
	// nearest (largest) one.
	sort.Slice(rects, func(i, j int) bool {
		return rects[i].Dx()*rects[i].Dy() > rects[j].Dx()*rects[j].Dy()
	})
	if len(rects) > d.cfg.MaxFaces {
		rects = rects[:d.cfg.MaxFaces]
	}

	w := float64(gray.Cols())
	h := float64(gray.Rows())

	faces := make([]Face, 0, len(rects))
	for _, r := range rects {
		f := d.buildFace(gray, r, w, h)
		if f.Confidence < d.cfg.MinConfidence {
			continue
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// buildFace synthesizes landmarks for one face rectangle.
func (d *CascadeDetector) buildFace(gray gocv.Mat, r image.Rectangle, frameW, frameH float64) Face {
	roi := gray.Region(r)
	eyeRects := d.eyes.DetectMultiScale(roi)
	roi.Close()

	fw := float64(r.Dx())
	fh := float64(r.Dy())

	// Default eye positions from canonical face proportions; replaced
	// by cascade hits when both eyes are found.
	rightEye := Point{X: float64(r.Min.X) + 0.30*fw, Y: float64(r.Min.Y) + 0.38*fh}
	leftEye := Point{X: float64(r.Min.X) + 0.70*fw, Y: float64(r.Min.Y) + 0.38*fh}
	confidence := 0.6

	if len(eyeRects) >= 2 {
		sort.Slice(eyeRects, func(i, j int) bool {
			return eyeRects[i].Dx()*eyeRects[i].Dy() > eyeRects[j].Dx()*eyeRects[j].Dy()
		})
		a, b := eyeRects[0], eyeRects[1]
		if a.Min.X > b.Min.X {
			a, b = b, a
		}
		rightEye = Point{
			X: float64(r.Min.X+a.Min.X) + float64(a.Dx())/2,
			Y: float64(r.Min.Y+a.Min.Y) + float64(a.Dy())/2,
		}
		leftEye = Point{
			X: float64(r.Min.X+b.Min.X) + float64(b.Dx())/2,
			Y: float64(r.Min.Y+b.Min.Y) + float64(b.Dy())/2,
		}
		confidence = 0.9
	}

	nose := Point{X: float64(r.Min.X) + 0.50*fw, Y: float64(r.Min.Y) + 0.60*fh}
	mouthR := Point{X: float64(r.Min.X) + 0.35*fw, Y: float64(r.Min.Y) + 0.82*fh}
	mouthL := Point{X: float64(r.Min.X) + 0.65*fw, Y: float64(r.Min.Y) + 0.82*fh}

	norm := func(p Point) Point {
		return Point{X: p.X / frameW, Y: p.Y / frameH}
	}

	return Face{
		Box: Box{
			X:      float64(r.Min.X) / frameW,
			Y:      float64(r.Min.Y) / frameH,
			Width:  fw / frameW,
			Height: fh / frameH,
		},
		Landmarks: []Point{
			norm(rightEye), norm(leftEye), norm(nose), norm(mouthR), norm(mouthL),
		},
		Confidence: confidence,
	}
}

// Close releases the cascade classifiers.
func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.face.Close()
	d.eyes.Close()
	return nil
}
