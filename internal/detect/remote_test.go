package detect

import (
	"context"
	"encoding/base64"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// inferenceServer is a scripted stand-in for the websocket inference
// service.
type inferenceServer struct {
	upgrader websocket.Upgrader
	respond  func(req detectRequest) detectResponse
	// dropAfter forcibly closes the connection after N requests to
	// exercise the redial path. Zero disables.
	dropAfter int64
	requests  atomic.Int64
	dials     atomic.Int64
}

func (s *inferenceServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.dials.Add(1)
	defer conn.Close()

	for {
		var req detectRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		n := s.requests.Add(1)
		if s.dropAfter > 0 && n == s.dropAfter {
			return
		}
		if err := conn.WriteJSON(s.respond(req)); err != nil {
			return
		}
	}
}

func startInferenceServer(t *testing.T, srv *inferenceServer) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 32, 32))
}

func TestRemoteDetectorRoundTrip(t *testing.T) {
	srv := &inferenceServer{
		respond: func(req detectRequest) detectResponse {
			// The frame must be a decodable base64 JPEG payload.
			if _, err := base64.StdEncoding.DecodeString(req.Frame); err != nil {
				return detectResponse{Error: "bad frame encoding"}
			}
			if req.Sequence == 0 {
				return detectResponse{Error: "missing sequence"}
			}
			return detectResponse{Faces: []Face{
				{Box: Box{X: 0.3, Y: 0.2, Width: 0.4, Height: 0.5}, Confidence: 0.95,
					Landmarks: []Point{{0.4, 0.4}, {0.6, 0.4}, {0.5, 0.5}, {0.42, 0.62}, {0.58, 0.62}}},
			}}
		},
	}
	url := startInferenceServer(t, srv)

	d, err := NewRemoteDetector(RemoteConfig{URL: url})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer d.Close()

	faces, err := d.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("expected one face, got %d", len(faces))
	}
	if faces[0].Confidence != 0.95 || len(faces[0].Landmarks) != LandmarkCount {
		t.Fatalf("unexpected face %+v", faces[0])
	}
}

func TestRemoteDetectorFiltersResults(t *testing.T) {
	srv := &inferenceServer{
		respond: func(detectRequest) detectResponse {
			return detectResponse{Faces: []Face{
				{Confidence: 0.9},
				{Confidence: 0.3}, // below default MinConfidence
				{Confidence: 0.8},
				{Confidence: 0.7},
			}}
		},
	}
	url := startInferenceServer(t, srv)

	d, err := NewRemoteDetector(RemoteConfig{
		URL:    url,
		Config: Config{MaxFaces: 2, MinConfidence: 0.5},
	})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer d.Close()

	faces, err := d.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("expected cap at 2 faces, got %d", len(faces))
	}
	for _, f := range faces {
		if f.Confidence < 0.5 {
			t.Fatalf("low-confidence face leaked through: %+v", f)
		}
	}
}

func TestRemoteDetectorServiceError(t *testing.T) {
	srv := &inferenceServer{
		respond: func(detectRequest) detectResponse {
			return detectResponse{Error: "model not loaded"}
		},
	}
	url := startInferenceServer(t, srv)

	d, err := NewRemoteDetector(RemoteConfig{URL: url})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer d.Close()

	if _, err := d.Detect(context.Background(), testFrame()); err == nil {
		t.Fatal("service error should surface as a detect error")
	}
}

func TestRemoteDetectorRedialsAfterDrop(t *testing.T) {
	srv := &inferenceServer{
		dropAfter: 2,
		respond: func(detectRequest) detectResponse {
			return detectResponse{Faces: []Face{{Confidence: 0.9}}}
		},
	}
	url := startInferenceServer(t, srv)

	d, err := NewRemoteDetector(RemoteConfig{URL: url, RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer d.Close()

	if _, err := d.Detect(context.Background(), testFrame()); err != nil {
		t.Fatalf("first detect failed: %v", err)
	}

	// The server kills the connection on the second request; that call
	// fails but the following one transparently redials.
	if _, err := d.Detect(context.Background(), testFrame()); err == nil {
		t.Fatal("expected a transport error on the dropped request")
	}
	if _, err := d.Detect(context.Background(), testFrame()); err != nil {
		t.Fatalf("detect after redial failed: %v", err)
	}
	if got := srv.dials.Load(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
}

func TestRemoteDetectorClosed(t *testing.T) {
	srv := &inferenceServer{
		respond: func(detectRequest) detectResponse { return detectResponse{} },
	}
	url := startInferenceServer(t, srv)

	d, err := NewRemoteDetector(RemoteConfig{URL: url})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if _, err := d.Detect(context.Background(), testFrame()); err == nil {
		t.Fatal("detect on a closed detector should fail")
	}
}
