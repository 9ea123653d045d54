package cache

import (
	"sync"

	"github.com/savanesoff/imgcache/event"
)

// BucketKind enumerates the events a Bucket can emit.
type BucketKind string

const (
	BucketProgress BucketKind = "progress"
	BucketLoadEnd  BucketKind = "loadend"
	BucketError    BucketKind = "error"
	BucketRendered BucketKind = "rendered"
	BucketClear    BucketKind = "clear"
)

// Bucket names a group of RenderRequests sharing a lifecycle and
// aggregate progress. Locking a Bucket pins every RenderRequest within
// it; unlocking restores each request's own per-request lock state.
type Bucket struct {
	name       string
	controller *Controller

	bus *event.Bus[BucketKind]

	mu       sync.Mutex
	locked   bool
	requests map[*RenderRequest]struct{}
	subs     map[*RenderRequest][]subPair
}

type subPair struct {
	kind ImageKind
	id   event.SubscriptionID
}

func newBucket(name string, locked bool, c *Controller) *Bucket {
	return &Bucket{
		name:       name,
		controller: c,
		locked:     locked,
		bus:        event.NewBus[BucketKind](),
		requests:   make(map[*RenderRequest]struct{}),
		subs:       make(map[*RenderRequest][]subPair),
	}
}

// Name returns this Bucket's identifier within its Controller.
func (b *Bucket) Name() string { return b.name }

// On subscribes fn to events of the given kind.
func (b *Bucket) On(kind BucketKind, fn func(event.Event)) event.SubscriptionID {
	return b.bus.On(kind, fn)
}

// Off removes a subscription registered with On.
func (b *Bucket) Off(kind BucketKind, id event.SubscriptionID) {
	b.bus.Off(kind, id)
}

// Lock pins every RenderRequest currently (and subsequently) attached to
// this Bucket against eviction.
func (b *Bucket) Lock() {
	b.mu.Lock()
	b.locked = true
	b.mu.Unlock()
}

// Unlock removes the Bucket-level pin. Requests retain whatever
// per-request lock they were given individually.
func (b *Bucket) Unlock() {
	b.mu.Lock()
	b.locked = false
	b.mu.Unlock()
}

// Locked reports the Bucket-level lock flag.
func (b *Bucket) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Requests returns a snapshot slice of the RenderRequests in this Bucket.
func (b *Bucket) Requests() []*RenderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*RenderRequest, 0, len(b.requests))
	for r := range b.requests {
		out = append(out, r)
	}
	return out
}

// attach adds r to this Bucket and wires its Image's progress/error
// events into the Bucket's aggregate events.
func (b *Bucket) attach(r *RenderRequest) {
	b.mu.Lock()
	b.requests[r] = struct{}{}
	var subs []subPair
	subs = append(subs, subPair{ImageProgress, r.image.On(ImageProgress, func(event.Event) {
		b.bus.Emit(BucketProgress, event.Event{Source: b.name, Data: b.Progress()})
	})})
	subs = append(subs, subPair{ImageLoadEnd, r.image.On(ImageLoadEnd, func(e event.Event) {
		if e.Err != nil {
			b.bus.Emit(BucketError, event.Event{Source: b.name, Err: e.Err})
			return
		}
		b.bus.Emit(BucketLoadEnd, event.Event{Source: b.name})
	})})
	subs = append(subs, subPair{ImageRenderRequestRender, r.image.On(ImageRenderRequestRender, func(event.Event) {
		b.bus.Emit(BucketRendered, event.Event{Source: b.name, Data: b.RenderedFraction()})
	})})
	b.subs[r] = subs
	b.mu.Unlock()
}

// detach removes r from this Bucket and its wiring, without clearing r
// itself; the Controller decides whether clearing r also orphans its
// Image.
func (b *Bucket) detach(r *RenderRequest) {
	b.mu.Lock()
	delete(b.requests, r)
	subs := b.subs[r]
	delete(b.subs, r)
	b.mu.Unlock()
	for _, s := range subs {
		r.image.Off(s.kind, s.id)
	}
}

// Progress returns the byte-weighted fraction of this Bucket's Images that
// have finished loading, counting each Image once even when multiple
// requests share one. An Image's byte size is known only once its fetch
// has completed, so Images still in flight add nothing to either side:
// the result is 0 until at least one Image has loaded successfully and 1
// from then on. Partial progress of in-flight fetches is not reflected.
func (b *Bucket) Progress() float64 {
	b.mu.Lock()
	seen := make(map[string]struct{}, len(b.requests))
	var loaded, total int64
	for r := range b.requests {
		url := r.image.URL()
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		bytes := r.image.GetBytesRam()
		total += bytes
		if r.image.Loaded() {
			loaded += bytes
		}
	}
	b.mu.Unlock()
	if total == 0 {
		return 0
	}
	return float64(loaded) / float64(total)
}

// RenderedFraction returns the fraction of this Bucket's RenderRequests
// that have been rendered at least once.
func (b *Bucket) RenderedFraction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return 0
	}
	var rendered int
	for r := range b.requests {
		if r.Rendered() {
			rendered++
		}
	}
	return float64(rendered) / float64(len(b.requests))
}

// Clear unregisters every RenderRequest in this Bucket, which may in
// turn evict now-orphaned Images.
func (b *Bucket) Clear() {
	b.controller.exec(func() { b.clear() })
}

// clear is Clear's actor-goroutine-only implementation, also called
// directly by Controller.RemoveBucket and Shutdown which already run on
// the actor goroutine.
func (b *Bucket) clear() {
	b.mu.Lock()
	reqs := make([]*RenderRequest, 0, len(b.requests))
	for r := range b.requests {
		reqs = append(reqs, r)
	}
	b.mu.Unlock()
	for _, r := range reqs {
		b.controller.clearLocked(r)
	}
	b.bus.Emit(BucketClear, event.Event{Source: b.name})
}
