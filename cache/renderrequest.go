package cache

import (
	"image"
	"sync"

	"github.com/google/uuid"
	"github.com/savanesoff/imgcache/event"
)

// RenderRequestKind enumerates the events a RenderRequest can emit.
type RenderRequestKind string

const (
	RenderRequestImageLoaded RenderRequestKind = "image-loaded"
	RenderRequestRendered    RenderRequestKind = "rendered"
	RenderRequestCleared     RenderRequestKind = "cleared"
)

// RequestID is a stable identifier for a RenderRequest, distinct from any
// pointer so a caller can log or compare requests without holding one
// live.
type RequestID uuid.UUID

func newRequestID() RequestID { return RequestID(uuid.New()) }

func (id RequestID) String() string { return uuid.UUID(id).String() }

// State is a RenderRequest's position in its lifecycle: created ->
// image-pending -> image-loaded -> rendered -> (optionally) cleared.
type State uint8

const (
	StateCreated State = iota
	StateImagePending
	StateImageLoaded
	StateRendered
	StateCleared
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateImagePending:
		return "image-pending"
	case StateImageLoaded:
		return "image-loaded"
	case StateRendered:
		return "rendered"
	case StateCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// RenderRequest represents a (Image, size, Bucket) binding and the
// readiness to paint it.
type RenderRequest struct {
	id     RequestID
	image  *Image
	bucket *Bucket
	size   image.Point

	bus *event.Bus[RenderRequestKind]

	mu      sync.Mutex
	state   State
	pinned  bool
	visible bool

	imageSizeSub event.SubscriptionID
}

func newRenderRequest(img *Image, bucket *Bucket, size image.Point, pinned bool) *RenderRequest {
	r := &RenderRequest{
		id:      newRequestID(),
		image:   img,
		bucket:  bucket,
		size:    size,
		pinned:  pinned,
		visible: true,
		bus:     event.NewBus[RenderRequestKind](),
		state:   StateCreated,
	}
	r.state = StateImagePending
	r.imageSizeSub = img.On(ImageSize, func(event.Event) {
		r.mu.Lock()
		if r.state == StateImagePending {
			r.state = StateImageLoaded
		}
		r.mu.Unlock()
		r.bus.Emit(RenderRequestImageLoaded, event.Event{Source: img.url})
	})
	if img.HasSize() {
		r.state = StateImageLoaded
	}
	return r
}

// ID returns this request's stable identifier.
func (r *RenderRequest) ID() RequestID { return r.id }

// Image returns the Image this request renders.
func (r *RenderRequest) Image() *Image { return r.image }

// Bucket returns the Bucket this request belongs to.
func (r *RenderRequest) Bucket() *Bucket { return r.bucket }

// Size returns the requested pixel dimensions.
func (r *RenderRequest) Size() image.Point { return r.size }

// State returns the current position in the render lifecycle.
func (r *RenderRequest) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// On subscribes fn to events of the given kind.
func (r *RenderRequest) On(kind RenderRequestKind, fn func(event.Event)) event.SubscriptionID {
	return r.bus.On(kind, fn)
}

// Off removes a subscription registered with On.
func (r *RenderRequest) Off(kind RenderRequestKind, id event.SubscriptionID) {
	r.bus.Off(kind, id)
}

// BytesVideo returns width*height*4 (RGBA) for this request's size.
func (r *RenderRequest) BytesVideo() int64 {
	return int64(r.size.X) * int64(r.size.Y) * bytesPerPixel
}

// MarkRendered is invoked by the view layer after it paints the bitmap.
// It transitions the request to StateRendered and emits Rendered, which
// the owning Image consumes to flip its own decoded-by-OR-of-requests
// status.
func (r *RenderRequest) MarkRendered() {
	r.mu.Lock()
	if r.state == StateCleared {
		r.mu.Unlock()
		return
	}
	r.state = StateRendered
	r.mu.Unlock()
	r.bus.Emit(RenderRequestRendered, event.Event{Source: r.image.url})
}

// Rendered reports whether the request is in StateRendered: MarkRendered
// has been called and the request has not been cleared since. A cleared
// request reports false, and MarkRendered cannot make it true again.
func (r *RenderRequest) Rendered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRendered
}

// SetVisible records whether the view layer currently has this request on
// screen. Used by eviction's video-memory pass to prefer evicting
// off-screen sizes first.
func (r *RenderRequest) SetVisible(visible bool) {
	r.mu.Lock()
	r.visible = visible
	r.mu.Unlock()
}

// Visible reports the last value passed to SetVisible. Defaults to true.
func (r *RenderRequest) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// Lock pins this request, preventing eviction of it and, transitively, of
// its Image (via Image.IsLocked).
func (r *RenderRequest) Lock() {
	r.mu.Lock()
	r.pinned = true
	r.mu.Unlock()
}

// Unlock removes this request's own pin. If its Bucket is locked, IsLocked
// still reports true.
func (r *RenderRequest) Unlock() {
	r.mu.Lock()
	r.pinned = false
	r.mu.Unlock()
}

// IsLocked reports whether this request is locked, directly or via its
// Bucket.
func (r *RenderRequest) IsLocked() bool {
	r.mu.Lock()
	pinned := r.pinned
	r.mu.Unlock()
	return pinned || r.bucket.Locked()
}

// clear marks this request cleared and detaches it from its Image's
// size-event subscription. Controller is responsible for unregistering it
// from the Image's request set and the Bucket.
func (r *RenderRequest) clear() {
	r.mu.Lock()
	if r.state == StateCleared {
		r.mu.Unlock()
		return
	}
	r.state = StateCleared
	r.mu.Unlock()
	r.image.Off(ImageSize, r.imageSizeSub)
	r.bus.Emit(RenderRequestCleared, event.Event{Source: r.image.url})
}
