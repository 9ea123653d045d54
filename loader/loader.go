// Package loader implements a one-shot byte fetch for a single URL, with
// progress, abort, error, and timeout reported as events rather than
// returned errors, so a caller can observe an in-flight fetch the same
// way it observes a completed one.
package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/savanesoff/imgcache/event"
)

// Kind enumerates the events a Loader can emit. Events fire in the order
// documented on Loader: Start, zero or more Progress, then exactly one of
// Load, Error, Timeout, or Abort.
type Kind string

const (
	Start    Kind = "start"
	Progress Kind = "progress"
	Load     Kind = "load"
	Error    Kind = "error"
	Timeout  Kind = "timeout"
	Abort    Kind = "abort"
)

// ProgressData is the Event.Data payload for a Progress event.
type ProgressData struct {
	Loaded int64
	Total  int64 // 0 if the server did not report Content-Length.
}

// LoadData is the Event.Data payload for a Load event.
type LoadData struct {
	Bytes []byte
}

// DefaultTimeout is used when Loader.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Loader fetches the bytes at a single URL exactly once. Construct a new
// Loader with New for each fetch; a second Fetch call on the same Loader
// is a no-op.
type Loader struct {
	// URL to fetch.
	URL string
	// Headers to attach to the outbound request.
	Headers http.Header
	// Client performs the HTTP round trip. Defaults to http.DefaultClient.
	Client *http.Client
	// Timeout bounds the whole fetch, start to finish. Defaults to
	// DefaultTimeout.
	Timeout time.Duration

	bus      *event.Bus[Kind]
	cancel   context.CancelFunc
	once     sync.Once
	terminal sync.Once
}

// New constructs a Loader for url. Use On to subscribe to its events
// before calling Fetch, since Fetch may complete synchronously-ish from
// the caller's perspective once the goroutine is scheduled.
func New(url string) *Loader {
	return &Loader{
		URL: url,
		bus: event.NewBus[Kind](),
	}
}

// On subscribes fn to events of the given kind.
func (l *Loader) On(kind Kind, fn func(event.Event)) event.SubscriptionID {
	return l.bus.On(kind, fn)
}

// Off removes a subscription registered with On.
func (l *Loader) Off(kind Kind, id event.SubscriptionID) {
	l.bus.Off(kind, id)
}

// Fetch starts the request in the calling goroutine's context but performs
// the blocking network IO on a new goroutine, returning immediately.
// Exactly one terminal event (Load, Error, Timeout, or Abort) is
// guaranteed to fire.
func (l *Loader) Fetch(ctx context.Context) {
	l.once.Do(func() {
		timeout := l.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		l.cancel = cancel
		go l.run(ctx)
	})
}

// Abort cancels an in-flight fetch. It is idempotent: calling it after a
// terminal event, or before Fetch has been called, is a no-op.
func (l *Loader) Abort() {
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Loader) run(ctx context.Context) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	l.bus.Emit(Start, event.Event{Source: l.URL})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		l.terminate(Error, event.Event{Source: l.URL, Err: fmt.Errorf("building request: %w", err)})
		return
	}
	for k, vs := range l.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			l.terminate(Timeout, event.Event{Source: l.URL, Err: ctx.Err()})
			return
		}
		if ctx.Err() == context.Canceled {
			l.terminate(Abort, event.Event{Source: l.URL})
			return
		}
		l.terminate(Error, event.Event{Source: l.URL, Err: fmt.Errorf("fetching %s: %w", l.URL, err)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.terminate(Error, event.Event{Source: l.URL, Err: fmt.Errorf("fetching %s: unexpected status %s", l.URL, resp.Status)})
		return
	}

	total := resp.ContentLength
	counter := &countingReader{r: resp.Body}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		l.reportProgress(counter, total, done)
	}()

	data, err := io.ReadAll(counter)
	close(done)
	<-stopped
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			l.terminate(Timeout, event.Event{Source: l.URL, Err: ctx.Err()})
			return
		}
		if ctx.Err() == context.Canceled {
			l.terminate(Abort, event.Event{Source: l.URL})
			return
		}
		l.terminate(Error, event.Event{Source: l.URL, Err: fmt.Errorf("reading body of %s: %w", l.URL, err)})
		return
	}
	l.bus.Emit(Progress, event.Event{Source: l.URL, Data: ProgressData{Loaded: counter.n, Total: total}})
	l.terminate(Load, event.Event{Source: l.URL, Data: LoadData{Bytes: data}})
}

// reportProgress polls the counting reader and emits Progress events
// until done is closed, so long fetches surface intermediate progress
// without requiring a chunked transfer encoding.
func (l *Loader) reportProgress(counter *countingReader, total int64, done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.bus.Emit(Progress, event.Event{Source: l.URL, Data: ProgressData{Loaded: counter.snapshot(), Total: total}})
		}
	}
}

// terminate emits the one terminal event for this Loader. Subsequent
// calls (e.g. a race between Abort and a completing fetch) are
// suppressed so "no further events after a terminal event" holds.
func (l *Loader) terminate(kind Kind, evt event.Event) {
	l.terminal.Do(func() {
		l.bus.Emit(kind, evt)
	})
}

// countingReader wraps an io.Reader, tracking bytes read so far under a
// mutex so reportProgress can poll it from a different goroutine than the
// one doing the actual ReadAll.
type countingReader struct {
	r  io.Reader
	mu sync.Mutex
	n  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.mu.Lock()
	c.n += int64(n)
	c.mu.Unlock()
	return n, err
}

func (c *countingReader) snapshot() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
