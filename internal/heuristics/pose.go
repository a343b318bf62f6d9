package heuristics

import (
	"math"

	"github.com/examwatch/proctor/internal/detect"
)

// HeadPose is the approximate orientation of the primary face, in
// degrees, plus the normalized gaze-offset ratio.
//
// These are multiplier-based heuristics over relative landmark
// geometry, not a calibrated pose solve. Treat the thresholds that
// consume them as tunable defaults.
type HeadPose struct {
	Yaw        float64
	Pitch      float64
	GazeOffset float64
}

// yaw/pitch scale factors chosen so a nose displaced to the edge of the
// inter-eye span reads as roughly a full head turn.
const (
	yawScaleDeg   = 90.0
	pitchScaleDeg = 70.0
)

// EstimatePose derives yaw, pitch and gaze offset from a five-point
// landmark set. Faces with fewer landmarks yield a zero pose.
func EstimatePose(f detect.Face) HeadPose {
	if len(f.Landmarks) < detect.LandmarkCount {
		return HeadPose{}
	}

	rightEye := f.Landmarks[detect.LandmarkRightEye]
	leftEye := f.Landmarks[detect.LandmarkLeftEye]
	nose := f.Landmarks[detect.LandmarkNoseTip]
	mouthR := f.Landmarks[detect.LandmarkMouthRight]
	mouthL := f.Landmarks[detect.LandmarkMouthLeft]

	eyeMidX := (rightEye.X + leftEye.X) / 2
	eyeMidY := (rightEye.Y + leftEye.Y) / 2
	mouthMidY := (mouthR.Y + mouthL.Y) / 2

	eyeSpan := math.Abs(leftEye.X - rightEye.X)
	if eyeSpan < 1e-6 {
		return HeadPose{}
	}

	// Yaw: horizontal nose displacement from the eye midline, relative
	// to the inter-eye distance. A frontal face centers the nose.
	yaw := (nose.X - eyeMidX) / eyeSpan * yawScaleDeg

	// Pitch: where the nose sits between the eye line and the mouth
	// line. Frontal faces put it near the middle; looking up or down
	// shifts it toward one line.
	faceSpan := mouthMidY - eyeMidY
	var pitch float64
	if math.Abs(faceSpan) > 1e-6 {
		ratio := (nose.Y - eyeMidY) / faceSpan // ~0.5 when frontal
		pitch = (ratio - 0.5) * 2 * pitchScaleDeg
	}

	// Gaze offset: how far the eye midpoint drifts from the face box
	// center, as a fraction of box width. Proxy for eyes pointed off
	// screen even when the head barely turns.
	var gaze float64
	if f.Box.Width > 1e-6 {
		gaze = math.Abs(eyeMidX-f.Box.CenterX()) / f.Box.Width
	}

	return HeadPose{Yaw: yaw, Pitch: pitch, GazeOffset: gaze}
}
