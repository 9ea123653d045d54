package cache

import "github.com/savanesoff/imgcache/event"

// evict drains RAM overflow first, then video-memory overflow. RAM
// eviction drops whole Images; video eviction drops individual
// RenderRequest sizes, which may in turn orphan an Image. Must only run
// on the actor goroutine.
func (c *Controller) evict() {
	c.evictRAM()
	c.evictVideo()
}

// candidateImages returns unlocked Images ordered least-recently-rendered
// first. Every Image is registered in c.recency at creation time (placing
// it at the most-recently-used end, so a freshly requested-but-not-yet-
// rendered Image is not immediately evicted to make room for itself) and
// bumped on each ImageRenderRequestRender event. Because every bump is
// serialized through the single actor goroutine, c.recency.Keys() is
// already a strict total order, so no two Images can ever tie for a
// rendering timestamp here.
func (c *Controller) candidateImages() []*Image {
	keys := c.recency.Keys()
	out := make([]*Image, 0, len(keys))
	for _, url := range keys {
		img, ok := c.images[url]
		if !ok || img.IsLocked() {
			continue
		}
		out = append(out, img)
	}
	return out
}

// evictRAM drops whole Images, least-recently-rendered first, until
// ramBytesUsed is back under budget or no unlocked candidate remains.
func (c *Controller) evictRAM() {
	for c.ramBytesUsed > c.ramBudget() {
		candidates := c.candidateImages()
		if len(candidates) == 0 {
			c.bus.Emit(ControllerRAMOverflow, event.Event{})
			return
		}
		c.evictImageLocked(candidates[0])
		c.recomputeUsageLocked()
	}
}

// evictVideo drops individual RenderRequest sizes — preferring
// off-screen ones, from Images that have more than one size attached —
// until videoBytesUsed is back under budget or no candidate remains.
func (c *Controller) evictVideo() {
	for c.videoBytesUsed > c.videoBudget() {
		r := c.videoCandidate()
		if r == nil {
			c.bus.Emit(ControllerVideoOverflow, event.Event{})
			return
		}
		c.detachRequestLocked(r)
		c.recomputeUsageLocked()
	}
}

// videoCandidate picks a RenderRequest to evict: the first unlocked,
// preferably non-visible, size belonging to an unlocked Image that is
// rendered at more than one size, walking Images least-recently-rendered
// first.
func (c *Controller) videoCandidate() *RenderRequest {
	for _, img := range c.candidateImages() {
		if !img.Decoded() || img.distinctSizeCount() < 2 {
			continue
		}
		var best *RenderRequest
		for _, r := range img.snapshotRequests() {
			if r.IsLocked() {
				continue
			}
			if best == nil || (!r.Visible() && best.Visible()) {
				best = r
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}
