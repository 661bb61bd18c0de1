package vidcomp

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// loop is the single worker that owns all mutable session state. Decode
// pipeline callbacks, timers and public entry points post closures here and
// they run strictly in order.
//
// post never blocks: the queue is an unbounded slice so a decode goroutine
// can always hand off its callback even while the worker is itself blocked
// inside a pipeline call such as Flush.
type loop struct {
	mu    sync.Mutex
	queue []func()

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// owned by the worker goroutine
	tickC  <-chan time.Time
	ticker *time.Ticker
	tickFn func()

	log *logrus.Entry
}

func newLoop(log *logrus.Entry) *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  log,
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	defer l.stopTicker()
	for {
		if !l.drain() {
			return
		}
		select {
		case <-l.quit:
			return
		case <-l.wake:
		case <-l.tickC:
			if l.tickFn != nil {
				l.tickFn()
			}
		}
	}
}

func (l *loop) drain() bool {
	for {
		select {
		case <-l.quit:
			return false
		default:
		}
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return true
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// post enqueues fn. It reports false once the loop has shut down.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the worker and waits for its result.
// Must not be called from the worker itself.
func (l *loop) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !l.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-l.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// after posts fn once d has elapsed.
func (l *loop) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.post(fn) })
}

// startTicker installs a periodic task. Worker only.
func (l *loop) startTicker(interval time.Duration, fn func()) {
	l.stopTicker()
	l.ticker = time.NewTicker(interval)
	l.tickC = l.ticker.C
	l.tickFn = fn
}

// stopTicker removes the periodic task. Worker only.
func (l *loop) stopTicker() {
	if l.ticker != nil {
		l.ticker.Stop()
	}
	l.ticker = nil
	l.tickC = nil
	l.tickFn = nil
}

// shutdown stops the worker after the closure currently running. Queued
// closures are dropped. Safe from any goroutine, including the worker.
func (l *loop) shutdown() {
	l.once.Do(func() { close(l.quit) })
}

// stop shuts the worker down and waits up to timeout for it to exit.
// Must not be called from the worker itself.
func (l *loop) stop(timeout time.Duration) bool {
	l.shutdown()
	select {
	case <-l.done:
		return true
	case <-time.After(timeout):
		l.log.Warn("worker did not stop in time")
		return false
	}
}
