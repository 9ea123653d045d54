package cache

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/savanesoff/imgcache/event"
)

func TestBucketLockPinsRequestsWithoutOwnPin(t *testing.T) {
	srv := pngServer(t, 10, 10, 0)
	defer srv.Close()

	c := New(Config{LoadersMax: 2})
	defer c.Shutdown(context.Background())
	b := c.AddBucket("b", false)

	r, err := c.Request(context.Background(), Request{URL: srv.URL, Size: image.Pt(10, 10), Bucket: "b"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.IsLocked() {
		t.Fatalf("expected unlocked request before Bucket.Lock")
	}
	b.Lock()
	if !r.IsLocked() {
		t.Fatalf("expected request locked via Bucket.Lock")
	}
	b.Unlock()
	if r.IsLocked() {
		t.Fatalf("expected Unlock to drop the Bucket-level pin")
	}
}

func TestBucketProgressCountsImageOnce(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	c := New(Config{LoadersMax: 2})
	defer c.Shutdown(context.Background())
	b := c.AddBucket("b", false)

	if _, err := c.Request(context.Background(), Request{URL: srv.URL, Size: image.Pt(10, 10), Bucket: "b"}); err != nil {
		t.Fatalf("Request 1: %v", err)
	}
	if _, err := c.Request(context.Background(), Request{URL: srv.URL, Size: image.Pt(20, 20), Bucket: "b"}); err != nil {
		t.Fatalf("Request 2: %v", err)
	}

	if got := b.Progress(); got != 0 {
		t.Fatalf("expected 0 progress before load completes, got %v", got)
	}
	close(release)
}

func TestBucketClearDetachesAllRequests(t *testing.T) {
	srv := pngServer(t, 10, 10, 0)
	defer srv.Close()

	c := New(Config{LoadersMax: 2})
	defer c.Shutdown(context.Background())
	b := c.AddBucket("b", false)

	r, err := c.Request(context.Background(), Request{URL: srv.URL, Size: image.Pt(10, 10), Bucket: "b"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var bucketCleared bool
	b.On(BucketClear, func(event.Event) { bucketCleared = true })
	b.Clear()

	if !bucketCleared {
		t.Fatalf("expected Clear event from Bucket")
	}
	if len(b.Requests()) != 0 {
		t.Fatalf("expected Bucket to have no requests after Clear")
	}
	if r.State() != StateCleared {
		t.Fatalf("expected request State cleared, got %v", r.State())
	}
	waitFor(t, time.Second, func() bool { return c.RAMBytesUsed() == 0 })
}
