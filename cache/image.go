package cache

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"sync"

	"github.com/savanesoff/imgcache/event"
	"github.com/savanesoff/imgcache/loader"
)

// ImageKind enumerates the events an Image can emit.
type ImageKind string

const (
	ImageLoadStart            ImageKind = "loadstart"
	ImageProgress             ImageKind = "progress"
	ImageLoadEnd              ImageKind = "loadend"
	ImageSize                 ImageKind = "size"
	ImageClear                ImageKind = "clear"
	ImageBlobError            ImageKind = "blob-error"
	ImageRenderRequestAdded   ImageKind = "render-request-added"
	ImageRenderRequestRemoved ImageKind = "render-request-removed"
	ImageRenderRequestRender  ImageKind = "render-request-rendered"
)

// bytesPerPixel is the assumed decoded pixel footprint (RGBA).
const bytesPerPixel = 4

// Image is the cache entry for one source URL. There is at most one Image
// per URL across a Controller (enforced by Controller.getOrCreateImageLocked).
type Image struct {
	url     string
	headers http.Header
	client  *http.Client

	bus *event.Bus[ImageKind]

	mu                sync.Mutex
	bytes             int64 // compressed size, once known.
	bytesUncompressed int64 // decoded estimate, width*height*4.
	gotSize           bool  // natural dimensions measured.
	decoded           bool  // OR of attached requests' rendered flags.
	loaded            bool
	lastErr           error // set by onLoadFailed, cleared at the start of each Fetch.
	cleared           bool
	decodedImage      image.Image

	requests         map[*RenderRequest]event.SubscriptionID
	renderedRequests map[*RenderRequest]struct{}

	activeLoader *loader.Loader
	done         chan struct{}
}

// newImage constructs an Image for url. Not exported: Images are only
// ever created by a Controller, which owns the registry of live Images
// and enforces at most one per URL.
func newImage(url string, headers http.Header, client *http.Client) *Image {
	return &Image{
		url:              url,
		headers:          headers,
		client:           client,
		bus:              event.NewBus[ImageKind](),
		requests:         make(map[*RenderRequest]event.SubscriptionID),
		renderedRequests: make(map[*RenderRequest]struct{}),
		done:             closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// URL reports the source URL this Image was created for.
func (img *Image) URL() string { return img.url }

// On subscribes fn to events of the given kind.
func (img *Image) On(kind ImageKind, fn func(event.Event)) event.SubscriptionID {
	return img.bus.On(kind, fn)
}

// Off removes a subscription registered with On.
func (img *Image) Off(kind ImageKind, id event.SubscriptionID) {
	img.bus.Off(kind, id)
}

// GetBytesRam returns the compressed size plus, once decoded, the
// decoded-estimate size.
func (img *Image) GetBytesRam() int64 {
	img.mu.Lock()
	defer img.mu.Unlock()
	ram := img.bytes
	if img.decoded {
		ram += img.bytesUncompressed
	}
	return ram
}

// GetBytesVideo returns the decoded footprint of size pixels, regardless
// of whether this Image is itself decoded.
func (img *Image) GetBytesVideo(size image.Point) int64 {
	return int64(size.X) * int64(size.Y) * bytesPerPixel
}

// Decoded reports whether at least one attached RenderRequest has been
// rendered — the logical OR of its requests' rendered flags.
func (img *Image) Decoded() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.decoded
}

// HasSize reports whether this Image's natural dimensions have been
// measured by a successful decode probe, independent of whether anything
// has been rendered from it yet.
func (img *Image) HasSize() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.gotSize
}

// Loaded reports whether bytes have finished fetching (successfully or
// not) at least once.
func (img *Image) Loaded() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.loaded
}

// Err implements network.Loadable: it returns the error from the most
// recent terminal load outcome, nil on success.
func (img *Image) Err() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.lastErr
}

// IsLocked returns true if any attached RenderRequest is locked.
func (img *Image) IsLocked() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	for r := range img.requests {
		if r.IsLocked() {
			return true
		}
	}
	return false
}

// RequestCount reports how many RenderRequests are currently attached.
func (img *Image) RequestCount() int {
	img.mu.Lock()
	defer img.mu.Unlock()
	return len(img.requests)
}

// registerRequest attaches r to this Image and subscribes to its
// "rendered" transition, which is what flips this Image's decoded status
// (the OR of its requests' rendered flags) and bumps recency upstream.
func (img *Image) registerRequest(r *RenderRequest) {
	img.mu.Lock()
	if img.cleared {
		img.mu.Unlock()
		return
	}
	id := r.On(RenderRequestRendered, func(event.Event) {
		img.mu.Lock()
		img.renderedRequests[r] = struct{}{}
		img.decoded = true
		img.mu.Unlock()
		img.bus.Emit(ImageRenderRequestRender, event.Event{Source: img.url})
	})
	img.requests[r] = id
	img.mu.Unlock()
	img.bus.Emit(ImageRenderRequestAdded, event.Event{Source: img.url})
}

// unregisterRequest detaches r, reversing registerRequest. If r was the
// Image's last rendered request, decoded drops back to false.
func (img *Image) unregisterRequest(r *RenderRequest) {
	img.mu.Lock()
	id, ok := img.requests[r]
	if !ok {
		img.mu.Unlock()
		return
	}
	delete(img.requests, r)
	delete(img.renderedRequests, r)
	img.decoded = len(img.renderedRequests) > 0
	img.mu.Unlock()
	r.Off(RenderRequestRendered, id)
	img.bus.Emit(ImageRenderRequestRemoved, event.Event{Source: img.url})
}

// Fetch implements network.Loadable: starts the byte fetch for this
// Image's URL. It is a no-op once the Image has been cleared.
func (img *Image) Fetch(ctx context.Context) {
	img.mu.Lock()
	if img.cleared {
		img.mu.Unlock()
		return
	}
	l := loader.New(img.url)
	l.Headers = img.headers
	l.Client = img.client
	img.activeLoader = l
	img.done = make(chan struct{})
	img.lastErr = nil
	done := img.done
	img.mu.Unlock()

	l.On(loader.Start, func(event.Event) {
		img.bus.Emit(ImageLoadStart, event.Event{Source: img.url})
	})
	l.On(loader.Progress, func(e event.Event) {
		img.bus.Emit(ImageProgress, event.Event{Source: img.url, Data: e.Data})
	})
	l.On(loader.Load, func(e event.Event) {
		data, _ := e.Data.(loader.LoadData)
		img.onLoad(data.Bytes)
		close(done)
	})
	l.On(loader.Error, func(e event.Event) {
		img.onLoadFailed(fmt.Errorf("%w: %v", ErrNetwork, e.Err))
		close(done)
	})
	l.On(loader.Timeout, func(event.Event) {
		img.onLoadFailed(ErrTimeout)
		close(done)
	})
	l.On(loader.Abort, func(event.Event) {
		close(done)
	})

	l.Fetch(ctx)
}

// Done implements network.Loadable.
func (img *Image) Done() <-chan struct{} {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.done
}

// Abort implements network.Loadable.
func (img *Image) Abort() {
	img.mu.Lock()
	l := img.activeLoader
	img.mu.Unlock()
	if l != nil {
		l.Abort()
	}
}

// onLoad decodes the fetched bytes, recording compressed size
// unconditionally and natural dimensions on successful decode.
func (img *Image) onLoad(data []byte) {
	img.mu.Lock()
	img.bytes = int64(len(data))
	img.loaded = true
	img.mu.Unlock()
	img.bus.Emit(ImageLoadEnd, event.Event{Source: img.url})

	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		blobErr := fmt.Errorf("%w: %v", ErrBlob, err)
		img.mu.Lock()
		img.lastErr = blobErr
		img.mu.Unlock()
		img.bus.Emit(ImageBlobError, event.Event{Source: img.url, Err: blobErr})
		return
	}
	bounds := decoded.Bounds()
	img.mu.Lock()
	img.decodedImage = decoded
	img.gotSize = true
	img.bytesUncompressed = int64(bounds.Dx()) * int64(bounds.Dy()) * bytesPerPixel
	img.mu.Unlock()
	img.bus.Emit(ImageSize, event.Event{Source: img.url, Data: bounds.Size()})
}

func (img *Image) onLoadFailed(err error) {
	img.mu.Lock()
	img.loaded = true
	img.lastErr = err
	img.mu.Unlock()
	img.bus.Emit(ImageLoadEnd, event.Event{Source: img.url, Err: err})
}

// snapshotRequests returns a point-in-time slice of attached
// RenderRequests, safe to iterate without holding img's lock.
func (img *Image) snapshotRequests() []*RenderRequest {
	img.mu.Lock()
	defer img.mu.Unlock()
	out := make([]*RenderRequest, 0, len(img.requests))
	for r := range img.requests {
		out = append(out, r)
	}
	return out
}

// distinctSizeCount returns the number of distinct RenderRequest sizes
// currently attached, used by video eviction to prefer Images rendered at
// more than one size (the surplus size is the one worth dropping first).
func (img *Image) distinctSizeCount() int {
	img.mu.Lock()
	defer img.mu.Unlock()
	seen := make(map[image.Point]struct{}, len(img.requests))
	for r := range img.requests {
		seen[r.size] = struct{}{}
	}
	return len(seen)
}

// DecodedImage returns the decoded bitmap, or nil if decoding has not
// completed (or failed). The view layer paints from this.
func (img *Image) DecodedImage() image.Image {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.decodedImage
}

// clear releases this Image's blob, unregisters every RenderRequest, and
// marks it dead. Calling clear twice is a no-op.
func (img *Image) clear() {
	img.mu.Lock()
	if img.cleared {
		img.mu.Unlock()
		return
	}
	img.cleared = true
	l := img.activeLoader
	reqs := make([]*RenderRequest, 0, len(img.requests))
	for r := range img.requests {
		reqs = append(reqs, r)
	}
	img.decodedImage = nil
	img.gotSize = false
	img.bytesUncompressed = 0
	img.decoded = false
	img.renderedRequests = make(map[*RenderRequest]struct{})
	img.mu.Unlock()

	if l != nil {
		l.Abort()
	}
	for _, r := range reqs {
		img.unregisterRequest(r)
	}
	img.bus.Emit(ImageClear, event.Event{Source: img.url})
}
