package camera

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"

	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera adapter
)

// DeviceOpener acquires the webcam through pion/mediadevices.
type DeviceOpener struct{}

// NewDeviceOpener returns the production Opener.
func NewDeviceOpener() *DeviceOpener { return &DeviceOpener{} }

// Open implements Opener. Width/height of zero mean "any", which is the
// minimal fallback constraint set.
func (o *DeviceOpener) Open(_ context.Context, c Constraints) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				mc.DeviceID = prop.String(c.DeviceID)
			}
			if c.Width > 0 {
				mc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mc.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		},
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	return &deviceStream{media: ms}, nil
}

// deviceStream wraps a mediadevices stream; stopOnce guarantees tracks
// are closed exactly once per lease destruction.
type deviceStream struct {
	media    mediadevices.MediaStream
	stopOnce sync.Once
}

func (s *deviceStream) Reader() (FrameReader, error) {
	tracks := s.media.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("camera: stream has no video tracks")
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		return nil, fmt.Errorf("camera: track is not a video track: %T", tracks[0])
	}
	return vt.NewReader(false), nil
}

func (s *deviceStream) StopTracks() {
	s.stopOnce.Do(func() {
		for _, t := range s.media.GetTracks() {
			_ = t.Close()
		}
	})
}
