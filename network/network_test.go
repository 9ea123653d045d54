package network

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeItem struct {
	url      string
	started  chan struct{}
	release  chan struct{}
	done     chan struct{}
	aborted  int32
	fetchedN int32
	loaded   int32
	err      error
}

func newFakeItem(url string) *fakeItem {
	return &fakeItem{
		url:     url,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (f *fakeItem) URL() string { return f.url }

func (f *fakeItem) Fetch(ctx context.Context) {
	atomic.AddInt32(&f.fetchedN, 1)
	select {
	case f.started <- struct{}{}:
	default:
	}
	go func() {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
		close(f.done)
	}()
}

func (f *fakeItem) Abort() {
	atomic.AddInt32(&f.aborted, 1)
	select {
	case <-f.release:
	default:
		close(f.release)
	}
}

func (f *fakeItem) Done() <-chan struct{} { return f.done }

func (f *fakeItem) Loaded() bool { return atomic.LoadInt32(&f.loaded) == 1 }

func (f *fakeItem) Err() error { return f.err }

// complete marks the fetch as having reached a terminal, non-aborted
// outcome and unblocks the goroutine started by Fetch.
func (f *fakeItem) complete(err error) {
	f.err = err
	atomic.StoreInt32(&f.loaded, 1)
	select {
	case <-f.release:
	default:
		close(f.release)
	}
}

func TestAddDedupesByURL(t *testing.T) {
	n := &Network{MaxProcesses: 2}
	a := newFakeItem("same.png")
	b := newFakeItem("same.png")
	n.Add(a)
	n.Add(b)

	<-a.started
	if got := atomic.LoadInt32(&b.fetchedN); got != 0 {
		t.Fatalf("expected second Add for same URL to be deduped, fetchedN=%d", got)
	}
	close(a.release)
	n.Close()
}

func TestConcurrencyCap(t *testing.T) {
	n := &Network{MaxProcesses: 2}
	items := make([]*fakeItem, 5)
	for i := range items {
		items[i] = newFakeItem(string(rune('a' + i)))
		n.Add(items[i])
	}

	started := 0
	deadline := time.After(2 * time.Second)
	startedCh := make(chan struct{})
	var mu sync.Mutex
	for _, it := range items {
		it := it
		go func() {
			<-it.started
			mu.Lock()
			started++
			mu.Unlock()
			select {
			case startedCh <- struct{}{}:
			default:
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	gotStarted := started
	mu.Unlock()
	if gotStarted > 2 {
		t.Fatalf("expected at most 2 concurrent fetches, saw %d", gotStarted)
	}
	if n.InFlight() > 2 {
		t.Fatalf("expected InFlight <= 2, got %d", n.InFlight())
	}

	for _, it := range items {
		select {
		case <-it.release:
		default:
			close(it.release)
		}
	}
	_ = deadline
	n.Close()
}

func TestRemovePendingDequeues(t *testing.T) {
	n := &Network{MaxProcesses: 1}
	blocker := newFakeItem("blocker")
	n.Add(blocker)
	<-blocker.started

	pending := newFakeItem("pending")
	n.Add(pending)
	if n.QueueLen() != 1 {
		t.Fatalf("expected pending item to be queued, QueueLen=%d", n.QueueLen())
	}
	n.Remove(pending)
	if n.QueueLen() != 0 {
		t.Fatalf("expected Remove to dequeue pending item, QueueLen=%d", n.QueueLen())
	}

	close(blocker.release)
	n.Close()
}

func TestRemoveInFlightAborts(t *testing.T) {
	n := &Network{MaxProcesses: 1}
	item := newFakeItem("x")
	n.Add(item)
	<-item.started

	n.Remove(item)
	if atomic.LoadInt32(&item.aborted) != 1 {
		t.Fatalf("expected in-flight item to be aborted")
	}
	n.Close()
}

func TestOverflowPausesDispatch(t *testing.T) {
	overflow := int32(1)
	n := &Network{
		MaxProcesses: 2,
		Overflow:     func() bool { return atomic.LoadInt32(&overflow) == 1 },
	}
	item := newFakeItem("x")
	n.Add(item)

	select {
	case <-item.started:
		t.Fatalf("expected dispatch to be paused during overflow")
	case <-time.After(150 * time.Millisecond):
	}

	atomic.StoreInt32(&overflow, 0)
	<-item.started
	close(item.release)
	n.Close()
}

func TestDispatchCountsLoadedAndErrored(t *testing.T) {
	n := &Network{MaxProcesses: 2}
	ok := newFakeItem("ok")
	bad := newFakeItem("bad")
	n.Add(ok)
	n.Add(bad)
	<-ok.started
	<-bad.started

	ok.complete(nil)
	bad.complete(errors.New("boom"))

	deadline := time.Now().Add(time.Second)
	for {
		if atomic.LoadUint64(&n.Loaded) == 1 && atomic.LoadUint64(&n.Errored) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for counters, Loaded=%d Errored=%d",
				atomic.LoadUint64(&n.Loaded), atomic.LoadUint64(&n.Errored))
		}
		time.Sleep(2 * time.Millisecond)
	}
	n.Close()
}

func TestAbortDoesNotCountAsLoadedOrErrored(t *testing.T) {
	n := &Network{MaxProcesses: 1}
	item := newFakeItem("x")
	n.Add(item)
	<-item.started
	n.Remove(item)
	n.Close()

	if got := atomic.LoadUint64(&n.Loaded); got != 0 {
		t.Fatalf("expected Loaded=0 after abort, got %d", got)
	}
	if got := atomic.LoadUint64(&n.Errored); got != 0 {
		t.Fatalf("expected Errored=0 after abort, got %d", got)
	}
}

func TestCloseAbortsInFlight(t *testing.T) {
	n := &Network{MaxProcesses: 1}
	item := newFakeItem("x")
	n.Add(item)
	<-item.started
	n.Close()
	if atomic.LoadInt32(&item.aborted) != 1 {
		t.Fatalf("expected Close to abort in-flight items")
	}
}
