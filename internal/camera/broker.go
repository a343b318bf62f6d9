// Package camera brokers exclusive access to the one physical webcam.
// At most one named consumer holds the lease at a time; a second
// consumer is rejected, never queued and never allowed to preempt.
package camera

import (
	"context"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FrameReader yields decoded frames from the capture device. release
// must be called for every successfully read frame.
type FrameReader interface {
	Read() (img image.Image, release func(), err error)
}

// Stream is a live capture handle. StopTracks stops every underlying
// media track; implementations must make it idempotent so a lease
// teardown stops hardware exactly once.
type Stream interface {
	Reader() (FrameReader, error)
	StopTracks()
}

// Constraints describe a capture request.
type Constraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float64
}

// Opener performs the actual hardware acquisition. Production uses the
// mediadevices implementation; tests inject fakes.
type Opener interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Lease records exclusive ownership of the camera by one consumer.
type Lease struct {
	ConsumerID string
	AcquiredAt time.Time
	stream     Stream
}

// Event is broadcast to subscribers on every lease transition.
type Event struct {
	ConsumerID string
	Acquired   bool // false on release
}

// Broker is the process-wide camera resource manager. Construct one at
// startup and inject it everywhere a component needs the camera; state
// is guarded by a single mutex because every transition is a short
// check-and-set.
type Broker struct {
	opener    Opener
	preferred Constraints
	fallback  Constraints
	logger    *zap.Logger

	mu      sync.Mutex
	lease   *Lease
	lastErr *Error
	subs    map[int]chan Event
	nextSub int
}

// NewBroker creates a broker that first tries preferred constraints and
// retries once with fallback before giving up.
func NewBroker(opener Opener, preferred, fallback Constraints) *Broker {
	return &Broker{
		opener:    opener,
		preferred: preferred,
		fallback:  fallback,
		logger:    zap.L().Named("camera-broker"),
		subs:      make(map[int]chan Event),
	}
}

// Acquire grants the camera to consumerID.
//
// Re-acquisition by the current holder returns the existing stream
// without touching hardware. A different holder gets CodeInUse
// immediately. Otherwise the broker opens the device, falling back to
// minimal constraints when the preferred set fails.
func (b *Broker) Acquire(ctx context.Context, consumerID string) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lease != nil {
		if b.lease.ConsumerID == consumerID {
			return b.lease.stream, nil
		}
		cerr := &Error{Code: CodeInUse}
		b.lastErr = cerr
		b.logger.Warn("acquisition rejected, camera in use",
			zap.String("requester", consumerID),
			zap.String("holder", b.lease.ConsumerID))
		return nil, cerr
	}

	stream, err := b.opener.Open(ctx, b.preferred)
	if err != nil {
		b.logger.Info("preferred constraints failed, retrying minimal",
			zap.String("consumer", consumerID), zap.Error(err))
		stream, err = b.opener.Open(ctx, b.fallback)
	}
	if err != nil {
		cerr := classify(err)
		b.lastErr = cerr
		b.logger.Error("camera acquisition failed",
			zap.String("consumer", consumerID),
			zap.String("code", string(cerr.Code)),
			zap.Error(err))
		return nil, cerr
	}

	b.lease = &Lease{ConsumerID: consumerID, AcquiredAt: time.Now(), stream: stream}
	b.lastErr = nil
	b.broadcastLocked(Event{ConsumerID: consumerID, Acquired: true})
	b.logger.Info("camera lease granted", zap.String("consumer", consumerID))
	return stream, nil
}

// Release returns the camera. When consumerID holds the lease every
// track is stopped and the lease cleared; otherwise the call is a
// no-op that still clears any stale error state, so releasing twice or
// releasing without owning is always safe.
func (b *Broker) Release(consumerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lease == nil || b.lease.ConsumerID != consumerID {
		b.lastErr = nil
		return
	}

	b.lease.stream.StopTracks()
	released := b.lease.ConsumerID
	b.lease = nil
	b.lastErr = nil
	b.broadcastLocked(Event{ConsumerID: released, Acquired: false})
	b.logger.Info("camera lease released", zap.String("consumer", released))
}

// Holder reports the current lease owner, if any.
func (b *Broker) Holder() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lease == nil {
		return "", false
	}
	return b.lease.ConsumerID, true
}

// LastError returns the most recent acquisition error, or nil.
func (b *Broker) LastError() *Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Subscribe registers an observer of lease transitions. Events are
// delivered best-effort: a slow subscriber drops events rather than
// blocking lease transitions.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, 8)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Broker) broadcastLocked(ev Event) {
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
