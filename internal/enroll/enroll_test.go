package enroll

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"

	"github.com/examwatch/proctor/internal/camera"
	"github.com/examwatch/proctor/internal/detect"
)

type fakeReader struct{}

func (fakeReader) Read() (image.Image, func(), error) {
	return image.NewRGBA(image.Rect(0, 0, 16, 16)), func() {}, nil
}

type fakeStream struct {
	mu      sync.Mutex
	stopped int
}

func (s *fakeStream) Reader() (camera.FrameReader, error) { return fakeReader{}, nil }

func (s *fakeStream) StopTracks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

type fakeOpener struct {
	mu   sync.Mutex
	last *fakeStream
}

func (f *fakeOpener) Open(context.Context, camera.Constraints) (camera.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &fakeStream{}
	return f.last, nil
}

// scriptedDetector returns the configured face counts in sequence,
// then repeats the final entry.
type scriptedDetector struct {
	mu     sync.Mutex
	script []int
	calls  int
}

func (d *scriptedDetector) Detect(context.Context, image.Image) ([]detect.Face, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	if idx >= len(d.script) {
		idx = len(d.script) - 1
	}
	d.calls++
	faces := make([]detect.Face, d.script[idx])
	for i := range faces {
		faces[i] = detect.Face{Confidence: 0.92}
	}
	return faces, nil
}

func (d *scriptedDetector) Close() error { return nil }

type fakeSnapshots struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeSnapshots) PutSnapshot(_ context.Context, key string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

type fakeEnrollmentStore struct {
	mu      sync.Mutex
	inserts []Enrollment
}

func (f *fakeEnrollmentStore) InsertEnrollment(_ context.Context, e Enrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, e)
	return nil
}

type fakeIdentity struct {
	match bool
	err   error
	calls int
}

func (f *fakeIdentity) VerifyFace(context.Context, string, []byte) (bool, error) {
	f.calls++
	return f.match, f.err
}

func newTestBroker(opener camera.Opener) *camera.Broker {
	return camera.NewBroker(opener, camera.Constraints{Width: 640, Height: 480}, camera.Constraints{})
}

func newFastRegistrar(broker *camera.Broker, detector detect.FaceLandmarkDetector, snaps Snapshots, store EnrollmentStore, identity IdentityService) *Registrar {
	r := NewRegistrar(broker, detector, snaps, store, identity)
	r.stabilizeDelay = 0
	return r
}

func TestRegisterCapturesSamples(t *testing.T) {
	opener := &fakeOpener{}
	broker := newTestBroker(opener)
	snaps := &fakeSnapshots{}
	store := &fakeEnrollmentStore{}
	r := newFastRegistrar(broker, &scriptedDetector{script: []int{1}}, snaps, store, nil)

	got, err := r.Register(context.Background(), "user-1", 3)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 enrollments, got %d", len(got))
	}

	for _, e := range got {
		if e.UserID != "user-1" {
			t.Fatalf("wrong user id %q", e.UserID)
		}
		if e.FaceConfidence != 0.92 {
			t.Fatalf("confidence not carried over: %v", e.FaceConfidence)
		}
		if !strings.HasPrefix(e.SnapshotKey, "enrollments/user-1/") {
			t.Fatalf("unexpected snapshot key %q", e.SnapshotKey)
		}
	}

	if len(snaps.keys) != 3 {
		t.Fatalf("expected 3 uploads, got %d", len(snaps.keys))
	}
	if len(store.inserts) != 3 {
		t.Fatalf("expected 3 inserts, got %d", len(store.inserts))
	}

	if _, held := broker.Holder(); held {
		t.Fatal("camera must be released after registration")
	}
}

func TestRegisterSkipsUnusableFrames(t *testing.T) {
	opener := &fakeOpener{}
	broker := newTestBroker(opener)
	// Empty frame, crowded frame, then usable frames.
	detector := &scriptedDetector{script: []int{0, 2, 1}}
	r := newFastRegistrar(broker, detector, nil, nil, nil)

	got, err := r.Register(context.Background(), "user-1", 2)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 enrollments, got %d", len(got))
	}
	if detector.calls != 4 {
		t.Fatalf("expected 4 detect calls (2 rejected, 2 kept), got %d", detector.calls)
	}
}

func TestRegisterGivesUpWithoutUsableFrames(t *testing.T) {
	opener := &fakeOpener{}
	broker := newTestBroker(opener)
	r := newFastRegistrar(broker, &scriptedDetector{script: []int{0}}, nil, nil, nil)

	got, err := r.Register(context.Background(), "user-1", 2)
	if err == nil {
		t.Fatal("expected an error when no frame ever has a face")
	}
	if len(got) != 0 {
		t.Fatalf("expected no enrollments, got %d", len(got))
	}
	if _, held := broker.Holder(); held {
		t.Fatal("camera must be released on failure")
	}
}

func TestRegisterRejectedWhileMonitoring(t *testing.T) {
	opener := &fakeOpener{}
	broker := newTestBroker(opener)
	if _, err := broker.Acquire(context.Background(), "attention-monitor"); err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}

	r := newFastRegistrar(broker, &scriptedDetector{script: []int{1}}, nil, nil, nil)
	_, err := r.Register(context.Background(), "user-1", 1)
	if err == nil {
		t.Fatal("registration must not preempt the monitoring lease")
	}
	if camera.AsError(err).Code != camera.CodeInUse {
		t.Fatalf("expected %s, got %v", camera.CodeInUse, err)
	}

	if holder, _ := broker.Holder(); holder != "attention-monitor" {
		t.Fatalf("monitoring lease disturbed, holder = %q", holder)
	}
}

func TestVerify(t *testing.T) {
	testCases := []struct {
		name     string
		identity *fakeIdentity
		match    bool
		wantErr  bool
	}{
		{"match", &fakeIdentity{match: true}, true, false},
		{"no match", &fakeIdentity{match: false}, false, false},
		{"service error", &fakeIdentity{err: errors.New("backend down")}, false, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opener := &fakeOpener{}
			broker := newTestBroker(opener)
			r := newFastRegistrar(broker, &scriptedDetector{script: []int{1}}, nil, nil, tc.identity)

			match, err := r.Verify(context.Background(), "user-1")
			if tc.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
			if match != tc.match {
				t.Fatalf("match = %v, expected %v", match, tc.match)
			}
			if tc.identity.calls != 1 {
				t.Fatalf("expected one verification call, got %d", tc.identity.calls)
			}
			if _, held := broker.Holder(); held {
				t.Fatal("camera must be released after verification")
			}
		})
	}
}

func TestVerifyWithoutIdentityService(t *testing.T) {
	opener := &fakeOpener{}
	broker := newTestBroker(opener)
	r := newFastRegistrar(broker, &scriptedDetector{script: []int{1}}, nil, nil, nil)

	if _, err := r.Verify(context.Background(), "user-1"); err == nil {
		t.Fatal("expected error without an identity service")
	}
	if _, held := broker.Holder(); held {
		t.Fatal("no lease should be taken when verification cannot run")
	}
}

func TestVerifyRetriesUntilUsableFrame(t *testing.T) {
	opener := &fakeOpener{}
	broker := newTestBroker(opener)
	identity := &fakeIdentity{match: true}
	detector := &scriptedDetector{script: []int{0, 0, 1}}
	r := newFastRegistrar(broker, detector, nil, nil, identity)

	match, err := r.Verify(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !match {
		t.Fatal("expected a match")
	}
	if detector.calls != 3 {
		t.Fatalf("expected 3 detect attempts, got %d", detector.calls)
	}
}
