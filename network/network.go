// Package network implements a bounded-concurrency dispatch pool for
// cache.Image loads.
//
// A single goroutine owns the queue and in-flight bookkeeping, woken by a
// sync.Cond whenever the queue or the in-flight set changes, and hands
// work off to a pluggable Scheduler. Backpressure is memory-budget
// driven: the Controller tells Network whether it is in overflow via the
// Overflow callback, and Network pauses new dispatch while that holds,
// re-checking Overflow on a fixed interval until it clears.
package network

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Loadable is anything Network can dispatch a Loader for. cache.Image
// implements this; the interface exists so network does not import cache
// (which itself owns a Network), avoiding a cycle.
type Loadable interface {
	// URL uniquely identifies this item for de-duplication purposes.
	URL() string
	// Fetch starts the load. It returns immediately; completion is
	// signalled by the channel returned from Done.
	Fetch(ctx context.Context)
	// Abort cancels an in-flight Fetch. Idempotent.
	Abort()
	// Done returns a channel that is closed once Fetch has reached a
	// terminal state (loaded, errored, timed out, or aborted). A fresh
	// channel must be returned for each Fetch call.
	Done() <-chan struct{}
	// Loaded reports whether the most recent Fetch reached a terminal
	// load/error outcome, as opposed to being aborted before one.
	Loaded() bool
	// Err returns the error from the most recent terminal outcome, nil on
	// success.
	Err() error
}

// Scheduler runs a unit of work, possibly asynchronously.
type Scheduler interface {
	Schedule(work func())
}

// FixedPool runs work on a fixed number of long-lived goroutines, trading
// idle memory for dispatch latency.
type FixedPool struct {
	Workers int
	queue   chan func()
	once    sync.Once
}

// Schedule enqueues work for the pool's workers. Blocks if all workers are
// busy and the internal queue (unbuffered) cannot immediately hand off.
func (p *FixedPool) Schedule(work func()) {
	p.once.Do(func() {
		if p.Workers <= 0 {
			p.Workers = 1
		}
		p.queue = make(chan func())
		for i := 0; i < p.Workers; i++ {
			go func() {
				for w := range p.queue {
					if w != nil {
						w()
					}
				}
			}()
		}
	})
	p.queue <- work
}

// Network dispatches Loadables with bounded concurrency and pauses when
// told memory is overflowing.
type Network struct {
	// MaxProcesses bounds the number of concurrently in-flight fetches.
	// Defaults to 16 if zero or negative at the first Add call.
	MaxProcesses int
	// Scheduler executes dispatched work. Defaults to a FixedPool sized to
	// MaxProcesses.
	Scheduler Scheduler
	// Overflow reports whether the owning Controller currently considers
	// memory to be over budget. While true, the dispatch loop pauses and
	// logs a warning instead of starting new fetches. Defaults to a
	// function that always returns false.
	Overflow func() bool
	// Limiter, if set, paces dispatch independently of MaxProcesses —
	// useful for being a polite client of a single upstream origin.
	Limiter *rate.Limiter
	// Logger receives warnings about paused dispatch. Defaults to
	// log.Default().
	Logger *log.Logger

	// Loaded counts dispatched items whose Fetch reached a terminal,
	// non-aborted outcome with a nil Err. Errored counts the same but with
	// a non-nil Err (network failure, timeout, or undecodable blob).
	// Aborted items count as neither. Both are monotonic.
	Loaded  uint64
	Errored uint64

	init   sync.Once
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Loadable
	flight map[string]Loadable
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func (n *Network) initialize() {
	n.init.Do(func() {
		if n.MaxProcesses <= 0 {
			n.MaxProcesses = 16
		}
		if n.Scheduler == nil {
			n.Scheduler = &FixedPool{Workers: n.MaxProcesses}
		}
		if n.Overflow == nil {
			n.Overflow = func() bool { return false }
		}
		if n.Logger == nil {
			n.Logger = log.Default()
		}
		n.flight = make(map[string]Loadable)
		n.sem = semaphore.NewWeighted(int64(n.MaxProcesses))
		n.cond = sync.NewCond(&n.mu)
		n.ctx, n.cancel = context.WithCancel(context.Background())
		go n.run()
	})
}

// Add enqueues item to be loaded, deduplicated by URL against both the
// pending queue and the in-flight set. If item is already queued or
// in-flight, Add returns silently.
func (n *Network) Add(item Loadable) {
	n.initialize()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	url := item.URL()
	if _, inFlight := n.flight[url]; inFlight {
		return
	}
	for _, q := range n.queue {
		if q.URL() == url {
			return
		}
	}
	n.queue = append(n.queue, item)
	n.cond.Signal()
}

// Remove dequeues item if pending, or aborts its Loader if it is
// in-flight.
func (n *Network) Remove(item Loadable) {
	n.initialize()
	n.mu.Lock()
	url := item.URL()
	for i, q := range n.queue {
		if q.URL() == url {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			n.mu.Unlock()
			return
		}
	}
	inFlight, ok := n.flight[url]
	n.mu.Unlock()
	if ok {
		inFlight.Abort()
	}
}

// QueueLen reports the number of items waiting to be dispatched.
func (n *Network) QueueLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// InFlight reports the number of items currently being fetched.
func (n *Network) InFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.flight)
}

// Close stops the dispatch loop and aborts every in-flight fetch. Close is
// idempotent.
func (n *Network) Close() {
	n.initialize()
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	inFlight := make([]Loadable, 0, len(n.flight))
	for _, l := range n.flight {
		inFlight = append(inFlight, l)
	}
	n.queue = nil
	n.mu.Unlock()
	n.cancel()
	n.cond.Signal()
	for _, l := range inFlight {
		l.Abort()
	}
}

// run is the single dispatch-loop goroutine: block on the condition
// variable until there is work to consider, then drain as much of the
// queue as concurrency and memory budget allow.
func (n *Network) run() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if n.closed {
			return
		}
		// Overflow may call back into the owner, which can itself be
		// waiting for n.mu in Add or Remove, so it runs unlocked.
		n.mu.Unlock()
		over := n.Overflow()
		n.mu.Lock()
		if over {
			n.Logger.Printf("network: dispatch paused, memory overflow")
			n.mu.Unlock()
			n.waitForSpace()
			n.mu.Lock()
			continue
		}
		if !n.sem.TryAcquire(1) {
			n.mu.Unlock()
			if err := n.sem.Acquire(n.ctx, 1); err != nil {
				n.mu.Lock()
				return
			}
			n.mu.Lock()
			if n.closed {
				n.sem.Release(1)
				return
			}
		}
		if len(n.queue) == 0 {
			n.sem.Release(1)
			continue
		}
		item := n.queue[0]
		n.queue = n.queue[1:]
		n.flight[item.URL()] = item
		n.mu.Unlock()
		n.dispatch(item)
		n.mu.Lock()
	}
}

// waitForSpace blocks briefly so the run loop re-checks Overflow on a
// steady cadence without busy-spinning, waking early if Close is called.
func (n *Network) waitForSpace() {
	select {
	case <-n.ctx.Done():
	case <-pausedTick():
	}
}

// dispatch schedules item's Fetch and, once it completes, removes it from
// the in-flight set and wakes the dispatch loop to consider more work.
func (n *Network) dispatch(item Loadable) {
	if n.Limiter != nil {
		_ = n.Limiter.Wait(n.ctx)
	}
	n.Scheduler.Schedule(func() {
		// Done is read after Fetch, which may replace the channel.
		item.Fetch(n.ctx)
		<-item.Done()
		if item.Loaded() {
			if item.Err() != nil {
				atomic.AddUint64(&n.Errored, 1)
			} else {
				atomic.AddUint64(&n.Loaded, 1)
			}
		}
		n.mu.Lock()
		delete(n.flight, item.URL())
		n.sem.Release(1)
		n.cond.Signal()
		n.mu.Unlock()
	})
}
