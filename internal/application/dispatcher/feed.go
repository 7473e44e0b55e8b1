package dispatcher

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/event"
)

// Feed adapts a dispatcher topic into a port.Subscription. It keeps only
// the latest unread snapshot, so a slow reader skips intermediate states
// and always observes the most recent one. Versioned snapshots older than
// the newest one already accepted are dropped, since publishers may
// deliver events out of commit order.
type Feed struct {
	d     Dispatcher
	route string
	name  string

	mu       sync.Mutex
	latest   *port.Snapshot
	received bool
	version  int64
	stopped  bool
	err      error
	notify   chan struct{}
	done     chan struct{}
}

// NewFeed subscribes to document state events for one document
func NewFeed(d Dispatcher, collection, documentID string) *Feed {
	f := &Feed{
		d:      d,
		route:  TopicRoute(collection, documentID),
		name:   "feed-" + uuid.NewString(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.SubscribeNamed(f.route, f.name, f.handle)
	return f
}

// Seed sets the initial snapshot. An unversioned seed is dropped if an
// event has already arrived, since that event is at least as new. Callers
// subscribe first and read the document second so no write falls between
// the two.
func (f *Feed) Seed(snap *port.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || (f.received && snap.Version == 0) || !f.accept(snap.Version) {
		return
	}
	f.latest = snap
	f.wake()
}

// accept records version and reports whether a snapshot carrying it is
// newer than everything accepted so far. Zero is always accepted.
func (f *Feed) accept(version int64) bool {
	if version == 0 {
		return true
	}
	if version <= f.version {
		return false
	}
	f.version = version
	return true
}

// Fail ends the feed with err once any pending snapshot has been read
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.err != nil {
		return
	}
	f.err = err
	f.wake()
}

func (f *Feed) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Feed) handle(_ context.Context, evt *event.Event) error {
	if !evt.Type.IsDocumentState() {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.err != nil {
		return nil
	}

	f.received = true
	if !f.accept(evt.Version) {
		return nil
	}
	f.latest = SnapshotFromEvent(evt)
	f.wake()
	return nil
}

// Next blocks until a snapshot newer than the last one returned is available
func (f *Feed) Next(ctx context.Context) (*port.Snapshot, error) {
	for {
		f.mu.Lock()
		if f.stopped {
			f.mu.Unlock()
			return nil, port.ErrSubscriptionStopped
		}
		if snap := f.latest; snap != nil {
			f.latest = nil
			f.mu.Unlock()
			return snap, nil
		}
		if err := f.err; err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
		case <-f.notify:
		}
	}
}

// Stop ends the subscription. It is safe to call more than once.
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.latest = nil
	close(f.done)
	f.mu.Unlock()

	f.d.Unsubscribe(f.route, f.name)
}

// SnapshotFromEvent converts a document state event into a snapshot
func SnapshotFromEvent(evt *event.Event) *port.Snapshot {
	return &port.Snapshot{
		ID:        evt.DocumentID,
		Exists:    evt.Exists,
		Data:      evt.Data,
		UpdatedAt: evt.Timestamp,
		Version:   evt.Version,
	}
}
