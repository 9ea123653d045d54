// Package cache implements a client-side image cache: a Controller owns
// Buckets of RenderRequests against shared Images, with RAM and
// video-memory eviction fronted by a bounded-concurrency network
// dispatcher.
package cache

import (
	"context"
	"fmt"
	"image"
	"log"
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/savanesoff/imgcache/event"
	"github.com/savanesoff/imgcache/network"
)

// ControllerKind enumerates the events a Controller can emit.
type ControllerKind string

const (
	ControllerImageAdded    ControllerKind = "image-added"
	ControllerImageRemoved  ControllerKind = "image-removed"
	ControllerUpdate        ControllerKind = "update"
	ControllerRAMOverflow   ControllerKind = "ram-overflow"
	ControllerVideoOverflow ControllerKind = "video-overflow"
)

// recencyCapacity bounds the internal LRU index, not the cache itself —
// it only needs to hold one entry per live Image, so a large fixed size
// keeps simplelru from ever auto-evicting on our behalf.
const recencyCapacity = 1 << 20

// Config configures a Controller. Zero-value RAMBytesBudget or
// VideoBytesBudget mean "unbounded" — these are deployment parameters
// with no universal default.
type Config struct {
	// RAMBytesBudget caps the sum of every live Image's GetBytesRam().
	RAMBytesBudget int64
	// VideoBytesBudget caps the sum of every rendered RenderRequest's
	// BytesVideo().
	VideoBytesBudget int64
	// LoadersMax bounds concurrent in-flight fetches. Defaults to 16.
	LoadersMax int
	// HTTPClient is used for every Image's fetch. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// Logger receives Network's paused-dispatch warnings. Defaults to
	// log.Default().
	Logger *log.Logger
	// Metrics, if true, registers Prometheus collectors for RAM/video
	// usage and eviction counts.
	Metrics bool
}

// Request describes a single render ask: "I want url painted at size,
// tracked under bucket."
type Request struct {
	URL     string
	Headers http.Header
	Size    image.Point
	Bucket  string
	Lock    bool
}

// Controller is the cache root. All state transitions are serialized
// through a single actor goroutine (Controller.run) via a command queue,
// so every exported method that touches shared state is safe to call
// concurrently without its own locking.
type Controller struct {
	cfg     Config
	network *network.Network
	bus     *event.Bus[ControllerKind]
	metrics *metrics

	commands   chan func()
	closed     atomic.Bool
	shutdownMu sync.RWMutex // guards sending on commands racing its close
	shutdown   sync.Once

	images  map[string]*Image
	buckets map[string]*Bucket
	recency *lru.LRU[string, struct{}]

	ramBytesUsed   int64
	videoBytesUsed int64
}

// New constructs a Controller and starts its actor goroutine and network
// dispatcher. The caller must eventually call Shutdown.
func New(cfg Config) *Controller {
	if cfg.LoadersMax <= 0 {
		cfg.LoadersMax = 16
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	recency, _ := lru.NewLRU[string, struct{}](recencyCapacity, nil)
	c := &Controller{
		cfg:      cfg,
		bus:      event.NewBus[ControllerKind](),
		commands: make(chan func()),
		images:   make(map[string]*Image),
		buckets:  make(map[string]*Bucket),
		recency:  recency,
	}
	if cfg.Metrics {
		c.metrics = newMetrics()
	}
	c.network = &network.Network{
		MaxProcesses: cfg.LoadersMax,
		Overflow:     c.isOverBudget,
		Logger:       cfg.Logger,
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	for cmd := range c.commands {
		cmd()
	}
}

// exec submits fn to the actor goroutine and blocks until it has run. A
// no-op once Shutdown has closed commands — late events from Images
// being torn down during Shutdown have nothing left to recompute.
// Never call exec from within a closure already running on the actor
// goroutine — it would deadlock waiting for itself.
func (c *Controller) exec(fn func()) {
	c.shutdownMu.RLock()
	defer c.shutdownMu.RUnlock()
	if c.closed.Load() {
		return
	}
	done := make(chan struct{})
	c.commands <- func() {
		fn()
		close(done)
	}
	<-done
}

func (c *Controller) isOverBudget() bool {
	if c.closed.Load() {
		return false
	}
	var over bool
	c.exec(func() {
		over = c.ramBytesUsed >= c.ramBudget() || c.videoBytesUsed >= c.videoBudget()
	})
	return over
}

func (c *Controller) ramBudget() int64 {
	if c.cfg.RAMBytesBudget <= 0 {
		return math.MaxInt64
	}
	return c.cfg.RAMBytesBudget
}

func (c *Controller) videoBudget() int64 {
	if c.cfg.VideoBytesBudget <= 0 {
		return math.MaxInt64
	}
	return c.cfg.VideoBytesBudget
}

// On subscribes fn to Controller-level events.
func (c *Controller) On(kind ControllerKind, fn func(event.Event)) event.SubscriptionID {
	return c.bus.On(kind, fn)
}

// Off removes a subscription registered with On.
func (c *Controller) Off(kind ControllerKind, id event.SubscriptionID) {
	c.bus.Off(kind, id)
}

// RAMBytesUsed reports the last computed sum of live Images' GetBytesRam.
func (c *Controller) RAMBytesUsed() int64 {
	var v int64
	c.exec(func() { v = c.ramBytesUsed })
	return v
}

// VideoBytesUsed reports the last computed sum of rendered requests'
// BytesVideo.
func (c *Controller) VideoBytesUsed() int64 {
	var v int64
	c.exec(func() { v = c.videoBytesUsed })
	return v
}

// AddBucket creates (or returns the existing) Bucket named name. lock
// sets the Bucket's initial lock state. Panics if the Controller has
// already been shut down, since that indicates a programmer error rather
// than a recoverable runtime condition.
func (c *Controller) AddBucket(name string, lock bool) *Bucket {
	if c.closed.Load() {
		panic("cache: AddBucket called on a shut-down Controller")
	}
	var b *Bucket
	c.exec(func() {
		if existing, ok := c.buckets[name]; ok {
			b = existing
			return
		}
		b = newBucket(name, lock, c)
		c.buckets[name] = b
	})
	return b
}

// RemoveBucket clears and forgets the named Bucket. A no-op if it does
// not exist.
func (c *Controller) RemoveBucket(name string) {
	c.exec(func() {
		b, ok := c.buckets[name]
		if !ok {
			return
		}
		delete(c.buckets, name)
		b.clear()
	})
}

// Request registers a (Image, size, Bucket) binding, creating the Image
// and enqueueing its fetch if this is the first request for that URL.
func (c *Controller) Request(ctx context.Context, req Request) (*RenderRequest, error) {
	if c.closed.Load() {
		panic("cache: Request called on a shut-down Controller")
	}
	var (
		rr  *RenderRequest
		err error
	)
	c.exec(func() {
		bucket, ok := c.buckets[req.Bucket]
		if !ok {
			err = fmt.Errorf("cache: unknown bucket %q", req.Bucket)
			return
		}
		img, isNew := c.getOrCreateImageLocked(req.URL, req.Headers)
		rr = newRenderRequest(img, bucket, req.Size, req.Lock)
		img.registerRequest(rr)
		bucket.attach(rr)
		if isNew {
			c.bus.Emit(ControllerImageAdded, event.Event{Source: img.URL()})
		}
		if !img.Loaded() {
			c.network.Add(img)
		}
		c.recomputeAndEvict()
		c.bus.Emit(ControllerUpdate, event.Event{Source: img.URL()})
	})
	return rr, err
}

// getOrCreateImageLocked must only be called from within the actor
// goroutine. It enforces at most one Image per URL.
func (c *Controller) getOrCreateImageLocked(url string, headers http.Header) (*Image, bool) {
	if img, ok := c.images[url]; ok {
		return img, false
	}
	img := newImage(url, headers, c.cfg.HTTPClient)
	c.images[url] = img
	c.recency.Add(url, struct{}{})

	img.On(ImageLoadEnd, func(event.Event) {
		c.exec(c.recomputeAndEvict)
	})
	img.On(ImageSize, func(event.Event) {
		c.exec(c.recomputeAndEvict)
	})
	img.On(ImageRenderRequestRender, func(event.Event) {
		c.exec(func() {
			c.recency.Get(url) // bump to most-recently-rendered
			c.recomputeAndEvict()
		})
	})
	return img, true
}

// Clear detaches r from its Image and Bucket, evicting the Image too if
// it is left with no other requests.
func (c *Controller) Clear(r *RenderRequest) {
	c.exec(func() { c.clearLocked(r) })
}

// clearLocked is the actor-goroutine-only implementation behind Clear,
// also called directly by Bucket.clear (and through it by RemoveBucket and
// Shutdown), which already run on the actor goroutine.
func (c *Controller) clearLocked(r *RenderRequest) {
	url := r.image.URL()
	c.detachRequestLocked(r)
	c.recomputeAndEvict()
	c.bus.Emit(ControllerUpdate, event.Event{Source: url})
}

// detachRequestLocked removes r from its Image and Bucket, evicting the
// Image too if left with no other requests. Unlike clearLocked it does
// not itself trigger a recompute+evict pass, so eviction.go's own loops
// can call it without recursing back into evict().
func (c *Controller) detachRequestLocked(r *RenderRequest) {
	img := r.image
	r.bucket.detach(r)
	img.unregisterRequest(r)
	r.clear()
	if img.RequestCount() == 0 {
		c.evictImageLocked(img)
	}
}

// evictImageLocked removes img from the cache entirely: it is aborted if
// in flight, released from the network queue, and its blob is dropped.
func (c *Controller) evictImageLocked(img *Image) {
	url := img.URL()
	delete(c.images, url)
	c.recency.Remove(url)
	c.network.Remove(img)
	img.clear()
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
	c.bus.Emit(ControllerImageRemoved, event.Event{Source: url})
}

// recomputeAndEvict refreshes ramBytesUsed/videoBytesUsed and runs the
// eviction algorithm. Must only be called from the actor goroutine.
func (c *Controller) recomputeAndEvict() {
	c.recomputeUsageLocked()
	c.evict()
}

func (c *Controller) recomputeUsageLocked() {
	var ram, video int64
	for _, img := range c.images {
		ram += img.GetBytesRam()
		if !img.Decoded() {
			continue
		}
		for _, r := range img.snapshotRequests() {
			video += r.BytesVideo()
		}
	}
	c.ramBytesUsed = ram
	c.videoBytesUsed = video
	if c.metrics != nil {
		c.metrics.setUsage(ram, video)
	}
}

// Shutdown clears every Bucket and Image and stops the network
// dispatcher and actor goroutine. Shutdown is idempotent.
func (c *Controller) Shutdown(ctx context.Context) error {
	var err error
	c.shutdown.Do(func() {
		done := make(chan struct{})
		c.commands <- func() {
			for name, b := range c.buckets {
				delete(c.buckets, name)
				b.clear()
			}
			for url, img := range c.images {
				delete(c.images, url)
				img.clear()
			}
			close(done)
		}
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		c.shutdownMu.Lock()
		c.closed.Store(true)
		close(c.commands)
		c.shutdownMu.Unlock()
		c.network.Close()
	})
	return err
}
