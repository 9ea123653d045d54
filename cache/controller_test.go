package cache

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/savanesoff/imgcache/event"
)

func pngServer(t *testing.T, w, h int, delay time.Duration) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		rw.Header().Set("Content-Type", "image/png")
		_ = png.Encode(rw, img)
	}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRequestDedupesByURL(t *testing.T) {
	srv := pngServer(t, 100, 100, 0)
	defer srv.Close()

	c := New(Config{LoadersMax: 2})
	defer c.Shutdown(context.Background())
	c.AddBucket("bucket1", false)

	var added int
	c.On(ControllerImageAdded, func(event.Event) { added++ })

	r1, err := c.Request(context.Background(), Request{URL: srv.URL, Size: image.Pt(100, 100), Bucket: "bucket1"})
	if err != nil {
		t.Fatalf("first Request: %v", err)
	}
	r2, err := c.Request(context.Background(), Request{URL: srv.URL, Size: image.Pt(100, 100), Bucket: "bucket1"})
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}

	if r1.Image() != r2.Image() {
		t.Fatalf("expected both requests to share one Image")
	}
	if r1 == r2 {
		t.Fatalf("expected two distinct RenderRequests")
	}
	if added != 1 {
		t.Fatalf("expected image-added to fire once, got %d", added)
	}
}

func TestConcurrencyCapAcrossDistinctURLs(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxSeen := 0, 0
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		img := image.NewRGBA(image.Rect(0, 0, 10, 10))
		rw.Header().Set("Content-Type", "image/png")
		_ = png.Encode(rw, img)
	}))
	defer srv.Close()

	c := New(Config{LoadersMax: 2})
	defer c.Shutdown(context.Background())
	c.AddBucket("b", false)

	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("%s/%d", srv.URL, i)
		if _, err := c.Request(context.Background(), Request{URL: url, Size: image.Pt(10, 10), Bucket: "b"}); err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == 2
	})
	close(release)

	mu.Lock()
	got := maxSeen
	mu.Unlock()
	if got > 2 {
		t.Fatalf("expected at most 2 concurrent fetches, saw %d", got)
	}
}

func TestEvictionOrderLeastRecentlyRenderedFirst(t *testing.T) {
	// Each fixture PNG compresses to a few KB, so an Image's GetBytesRam is
	// dominated by its decoded estimate, which only counts once a request
	// for it has rendered. D is therefore rendered too before eviction is
	// expected.
	const n = 512 // 512x512 RGBA ~= 1MB decoded each; budget fits 3 rendered, not 4.
	srv := pngServer(t, n, n, 0)
	defer srv.Close()

	oneImage := int64(n) * int64(n) * bytesPerPixel
	c := New(Config{LoadersMax: 4, RAMBytesBudget: oneImage*3 + oneImage/10})
	defer c.Shutdown(context.Background())
	c.AddBucket("b", false)

	urls := []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c"}
	var reqs []*RenderRequest
	var removed []string
	c.On(ControllerImageRemoved, func(e event.Event) { removed = append(removed, e.Source) })

	for _, u := range urls {
		r, err := c.Request(context.Background(), Request{URL: u, Size: image.Pt(n, n), Bucket: "b"})
		if err != nil {
			t.Fatalf("Request(%s): %v", u, err)
		}
		waitFor(t, 2*time.Second, func() bool { return r.Image().HasSize() })
		r.MarkRendered()
		waitFor(t, time.Second, func() bool { return r.State() == StateRendered })
		reqs = append(reqs, r)
	}
	_ = reqs

	rd, err := c.Request(context.Background(), Request{URL: srv.URL + "/d", Size: image.Pt(n, n), Bucket: "b"})
	if err != nil {
		t.Fatalf("Request(d): %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return rd.Image().HasSize() })
	rd.MarkRendered()
	waitFor(t, 2*time.Second, func() bool { return len(removed) >= 1 })

	if diff := cmp.Diff(urls[:1], removed[:1]); diff != "" {
		t.Fatalf("eviction order mismatch (-want +got):\n%s", diff)
	}
	if got := c.RAMBytesUsed(); got > c.ramBudget() {
		t.Fatalf("expected RAMBytesUsed <= budget after settle, got %d > %d", got, c.ramBudget())
	}
}

func TestLockPinsImageAgainstEviction(t *testing.T) {
	const n = 512
	srv := pngServer(t, n, n, 0)
	defer srv.Close()

	budget := int64(n) * int64(n) * bytesPerPixel // one decoded estimate; a rendered image adds its compressed bytes and exceeds it
	c := New(Config{LoadersMax: 4, RAMBytesBudget: budget})
	defer c.Shutdown(context.Background())
	bucket := c.AddBucket("b", false)
	bucket.Lock()

	var overflowed bool
	c.On(ControllerRAMOverflow, func(event.Event) { overflowed = true })

	r, err := c.Request(context.Background(), Request{URL: srv.URL + "/a", Size: image.Pt(n, n), Bucket: "b"})
	if err != nil {
		t.Fatalf("Request(a): %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r.Image().HasSize() })
	r.MarkRendered()
	waitFor(t, time.Second, func() bool { return r.Image().Decoded() })

	if _, err := c.Request(context.Background(), Request{URL: srv.URL + "/b", Size: image.Pt(n, n), Bucket: "b2"}); err == nil {
		t.Fatalf("expected unknown-bucket error for b2")
	}
	c.AddBucket("b2", false)
	if _, err := c.Request(context.Background(), Request{URL: srv.URL + "/b", Size: image.Pt(n, n), Bucket: "b2"}); err != nil {
		t.Fatalf("Request(b): %v", err)
	}
	waitFor(t, time.Second, func() bool { return overflowed })

	if !r.IsLocked() {
		t.Fatalf("expected request a to report locked via its Bucket")
	}
}

func TestMultiSizeVideoAccounting(t *testing.T) {
	srv := pngServer(t, 50, 50, 0)
	defer srv.Close()

	c := New(Config{LoadersMax: 2})
	defer c.Shutdown(context.Background())
	c.AddBucket("b", false)

	r1, err := c.Request(context.Background(), Request{URL: srv.URL, Size: image.Pt(100, 100), Bucket: "b"})
	if err != nil {
		t.Fatalf("Request 100x100: %v", err)
	}
	r2, err := c.Request(context.Background(), Request{URL: srv.URL, Size: image.Pt(200, 200), Bucket: "b"})
	if err != nil {
		t.Fatalf("Request 200x200: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r1.Image().HasSize() })
	r1.MarkRendered()
	r2.MarkRendered()

	want := int64(100*100*4 + 200*200*4)
	waitFor(t, time.Second, func() bool { return c.VideoBytesUsed() == want })
}

func TestClearDuringFetchAbortsLoader(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	c := New(Config{LoadersMax: 1})
	defer c.Shutdown(context.Background())
	b := c.AddBucket("b", false)

	r, err := c.Request(context.Background(), Request{URL: srv.URL, Size: image.Pt(10, 10), Bucket: "b"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var cleared bool
	r.Image().On(ImageClear, func(event.Event) { cleared = true })

	b.Clear()
	close(release)

	waitFor(t, time.Second, func() bool { return cleared })
	if c.RAMBytesUsed() != 0 {
		t.Fatalf("expected registry empty after clear, RAMBytesUsed=%d", c.RAMBytesUsed())
	}
}
