// Package widget holds small Gio widget helpers used by the cache's demo
// and inspection commands to paint bitmaps pulled out of a cache.Image.
package widget

import (
	"image"

	"gioui.org/op/paint"
)

// Changer can report that is has changed since the last call.
type Changer interface {
	Changed() bool
}

// ToNRGBA can render an image.NRGBA image.
type ToNRGBA interface {
	ToNRGBA() *image.NRGBA
}

// CachedImage memoizes the GPU texture upload (paint.ImageOp) for a bitmap
// decoded by a cache.Image, so a cell that redraws every frame does not
// re-upload the same pixels each time. Cache call sites own the lifetime:
// once the backing cache.Image is cleared or evicted, Reset drops the
// memoized op so a later re-fetch of the same cell starts from a clean
// upload rather than painting stale pixels.
type CachedImage struct {
	op  paint.ImageOp
	src image.Image
}

// Cache the image if it is not already.
//
// First call will compute the image operation, subsequent calls will noop
// unless src differs from the previously cached source, or src implements
// Changer and reports a change.
//
// If src implements ToNRGBA, the *image.NRGBA will be used to compute the
// image operation. This is an optimization since Gio uses a fast-path for
// image.NRGBA images.
func (img *CachedImage) Cache(src image.Image) {
	bake(img, src)
}

// Op returns the concrete image operation.
func (img CachedImage) Op() paint.ImageOp {
	return img.op
}

// Reset drops the memoized texture upload, forcing the next Cache call to
// re-bake from whatever source it's given. Call this when the cache.Image
// backing a cell is cleared or evicted, so a stale GPU texture for a URL
// that may now point at different bytes is never reused.
func (img *CachedImage) Reset() {
	img.op = paint.ImageOp{}
	img.src = nil
}

// bake the image into a paint.ImageOp, if not already.
func bake(cache *CachedImage, src image.Image) {
	if cache == nil || src == nil {
		return
	}
	var img image.Image = src
	if nrgba, ok := src.(ToNRGBA); ok {
		img = nrgba.ToNRGBA()
	}
	changed := cache.src != src
	if changer, ok := src.(Changer); ok && changer.Changed() {
		changed = true
	}
	if changed || cache.op == (paint.ImageOp{}) {
		cache.op = paint.NewImageOp(img)
		cache.src = src
	}
}
