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

func TestImageFetchMeasuresSizeWithoutRendering(t *testing.T) {
	srv := pngServer(t, 20, 10, 0)
	defer srv.Close()

	img := newImage(srv.URL, nil, http.DefaultClient)
	var sawSize bool
	img.On(ImageSize, func(event.Event) { sawSize = true })

	img.Fetch(context.Background())
	<-img.Done()

	if !sawSize {
		t.Fatalf("expected Size event after successful decode")
	}
	if !img.HasSize() {
		t.Fatalf("expected HasSize() true once dimensions are probed")
	}
	if img.Decoded() {
		t.Fatalf("expected Decoded() false before any RenderRequest has rendered")
	}
	if got, want := img.GetBytesVideo(image.Pt(20, 10)), int64(20*10*4); got != want {
		t.Fatalf("GetBytesVideo = %d, want %d", got, want)
	}
	ramBeforeRender := img.GetBytesRam()
	if ramBeforeRender <= 0 {
		t.Fatalf("expected GetBytesRam to include compressed bytes, got %d", ramBeforeRender)
	}

	b := newBucket("b", false, nil)
	r := newRenderRequest(img, b, image.Pt(20, 10), false)
	img.registerRequest(r)
	r.MarkRendered()

	if !img.Decoded() {
		t.Fatalf("expected Decoded() true once a RenderRequest has rendered")
	}
	if got, want := img.GetBytesRam(), ramBeforeRender+int64(20*10*4); got != want {
		t.Fatalf("GetBytesRam = %d, want %d (compressed + decoded estimate)", got, want)
	}
}

func TestImageOnLoadFailedForNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	img := newImage(srv.URL, nil, http.DefaultClient)
	var errs []error
	img.On(ImageLoadEnd, func(e event.Event) { errs = append(errs, e.Err) })

	img.Fetch(context.Background())
	<-img.Done()

	if len(errs) != 1 || errs[0] == nil {
		t.Fatalf("expected one non-nil error on LoadEnd, got %#v", errs)
	}
	if img.Decoded() {
		t.Fatalf("expected Decoded() false after a failed fetch")
	}
}

func TestImageClearIsIdempotent(t *testing.T) {
	img := newImage("u", nil, http.DefaultClient)
	var clears int
	img.On(ImageClear, func(event.Event) { clears++ })

	img.clear()
	img.clear()

	if clears != 1 {
		t.Fatalf("expected exactly one Clear event, got %d", clears)
	}
}

func TestImageAbortBeforeLoadEndAbortsLoader(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	img := newImage(srv.URL, nil, http.DefaultClient)
	img.Fetch(context.Background())
	img.Abort()
	close(release)

	select {
	case <-img.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected Done to close after Abort")
	}
	if img.Loaded() {
		t.Fatalf("expected Loaded() false after an aborted fetch")
	}
}
