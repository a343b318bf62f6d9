package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RemoteConfig configures the websocket inference detector.
type RemoteConfig struct {
	Config

	// URL is the websocket endpoint of the inference service,
	// e.g. ws://inference.local:8090/detect.
	URL string
	// JPEGQuality for encoding frames before transmission.
	JPEGQuality int
	// RequestTimeout bounds a single round trip.
	RequestTimeout time.Duration
	// DialTimeout bounds a (re)connection attempt, including backoff.
	DialTimeout time.Duration
}

type detectRequest struct {
	Frame     string `json:"frame"` // base64 JPEG
	Timestamp int64  `json:"timestamp"`
	Sequence  int64  `json:"sequence_number"`
}

type detectResponse struct {
	Faces []Face `json:"faces"`
	Error string `json:"error,omitempty"`
}

// RemoteDetector sends frames to an out-of-process inference service
// over a websocket and decodes landmark results. Detect calls are
// serialized by the sampler, so only one round trip is in flight at a
// time; the connection is redialed with exponential backoff after a
// transport error.
type RemoteDetector struct {
	cfg    RemoteConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	seq    int64
	closed bool
}

// NewRemoteDetector dials the inference service. A failed initial dial
// is a fatal setup error for the session.
func NewRemoteDetector(cfg RemoteConfig) (*RemoteDetector, error) {
	cfg.Normalize()
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}

	d := &RemoteDetector{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger: zap.L().Named("remote-detector"),
	}
	if err := d.redial(context.Background()); err != nil {
		return nil, fmt.Errorf("detect: connect to inference service: %w", err)
	}
	return d, nil
}

// redial establishes the websocket connection with exponential backoff.
// Caller must hold d.mu or be the constructor.
func (d *RemoteDetector) redial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 250 * time.Millisecond
	ebo.MaxInterval = 2 * time.Second

	return backoff.Retry(func() error {
		conn, _, err := d.dialer.DialContext(ctx, d.cfg.URL, nil)
		if err != nil {
			return err
		}
		d.conn = conn
		return nil
	}, backoff.WithContext(ebo, ctx))
}

// Detect implements FaceLandmarkDetector.
func (d *RemoteDetector) Detect(ctx context.Context, frame image.Image) ([]Face, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("detect: detector is closed")
	}
	if d.conn == nil {
		if err := d.redial(ctx); err != nil {
			return nil, fmt.Errorf("detect: inference service unavailable: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: d.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("detect: encode frame: %w", err)
	}

	d.seq++
	req := detectRequest{
		Frame:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		Timestamp: time.Now().UnixMilli(),
		Sequence:  d.seq,
	}

	deadline := time.Now().Add(d.cfg.RequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = d.conn.SetWriteDeadline(deadline)
	_ = d.conn.SetReadDeadline(deadline)

	if err := d.conn.WriteJSON(req); err != nil {
		d.dropConn()
		return nil, fmt.Errorf("detect: send frame: %w", err)
	}

	var resp detectResponse
	if err := d.conn.ReadJSON(&resp); err != nil {
		d.dropConn()
		return nil, fmt.Errorf("detect: read result: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detect: inference service error: %s", resp.Error)
	}

	faces := resp.Faces[:0:len(resp.Faces)]
	for _, f := range resp.Faces {
		if f.Confidence >= d.cfg.MinConfidence {
			faces = append(faces, f)
		}
	}
	if len(faces) > d.cfg.MaxFaces {
		faces = faces[:d.cfg.MaxFaces]
	}
	return faces, nil
}

// dropConn closes a broken connection so the next Detect redials.
// Caller must hold d.mu.
func (d *RemoteDetector) dropConn() {
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
		d.logger.Warn("inference connection dropped, will redial")
	}
}

// Close tears down the websocket connection.
func (d *RemoteDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.conn != nil {
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}
