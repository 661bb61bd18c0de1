package vidcomp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SyncExtractor decodes the frames of a composition on demand. Each call to
// DecodeCompositionFrames blocks until every item active at the requested
// time has decoded and delivered its frame.
type SyncExtractor struct {
	comp    *Composition
	backend Backend
	cfg     Config
	log     *logrus.Entry

	loop    *loop
	dec     *CompositionDecoder
	barrier *readinessBarrier

	// worker state
	req      *extractRequest
	lastT    int64
	fresh    bool
	failed   error
	watchdog *time.Timer

	startOnce   sync.Once
	releaseOnce sync.Once
}

type extractRequest struct {
	target int64
	result chan extractResult
}

type extractResult struct {
	frames map[string]*CompositionFrame
	err    error
}

// NewSyncExtractor creates an extractor. Nothing is opened until Start.
func NewSyncExtractor(comp *Composition, backend Backend, cfg Config) *SyncExtractor {
	cfg = cfg.withDefaults()
	x := &SyncExtractor{
		comp:    comp,
		backend: backend,
		cfg:     cfg,
		log:     cfg.logger("sync-extractor").WithField("session", uuid.NewString()),
		barrier: newReadinessBarrier(comp, cfg.BarrierTolerance),
		fresh:   true,
	}
	x.loop = newLoop(x.log)
	x.dec = NewCompositionDecoder(comp, backend, cfg, CompositionDecoderOptions{
		Dispatch: func(fn func()) { x.loop.post(fn) },
		OnEvent:  x.onEvent,
		Logger:   x.log,
	})
	return x
}

// Start prepares and starts every item decoder.
func (x *SyncExtractor) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	x.startOnce.Do(func() {
		err = x.loop.call(ctx, func() error {
			if err := x.dec.Prepare(); err != nil {
				return err
			}
			x.dec.FeedUntil(maxTimeUs)
			return x.dec.Start()
		})
	})
	return err
}

// TrackInfos returns the source metadata of every item.
func (x *SyncExtractor) TrackInfos(ctx context.Context) (map[string]TrackInfo, error) {
	var out map[string]TrackInfo
	err := x.loop.call(ctx, func() error {
		out = x.dec.TrackInfos()
		return nil
	})
	return out, err
}

// DecodeCompositionFrames returns the frames of every item at timeUs.
// Requesting an earlier time than the previous call seeks first. The
// returned frames are owned by the extractor and valid until the next call
// or Release.
func (x *SyncExtractor) DecodeCompositionFrames(ctx context.Context, timeUs int64) (map[string]*CompositionFrame, error) {
	if timeUs < 0 || timeUs >= x.comp.DurationUs() {
		return nil, fmt.Errorf("%w: time %dus outside [0, %d)", ErrInvalidOptions, timeUs, x.comp.DurationUs())
	}
	res := make(chan extractResult, 1)
	err := x.loop.call(ctx, func() error {
		if x.failed != nil {
			return x.failed
		}
		if x.req != nil {
			return protocolViolation("concurrent DecodeCompositionFrames")
		}
		if !x.fresh && timeUs < x.lastT {
			if err := x.dec.SeekTo(timeUs); err != nil {
				x.fail(err)
				return err
			}
			x.barrier.seek(timeUs)
		}
		x.fresh = false
		x.lastT = timeUs
		x.req = &extractRequest{target: timeUs, result: res}
		x.barrier.reset(timeUs)
		x.armWatchdog()
		x.step()
		return nil
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-res:
		return r.frames, r.err
	case <-ctx.Done():
		x.loop.post(func() { x.req = nil; x.stopWatchdog() })
		return nil, ctx.Err()
	}
}

func (x *SyncExtractor) onEvent(ev Event) {
	switch ev.Type {
	case EventFrameAvailable:
		x.barrier.frameAvailable(ev.ItemID, ev.PresentationTimeUs)
	case EventItemEnded:
		x.barrier.itemEnded(ev.ItemID)
	case EventError:
		x.fail(ev.Err)
		return
	}
	x.step()
}

func (x *SyncExtractor) step() {
	if x.req == nil {
		return
	}
	frames, ready, err := x.barrier.evaluate(x.dec)
	if err != nil {
		x.fail(err)
		return
	}
	if !ready {
		return
	}
	x.stopWatchdog()
	x.req.result <- extractResult{frames: frames}
	x.req = nil
}

func (x *SyncExtractor) armWatchdog() {
	x.stopWatchdog()
	if x.cfg.BarrierTimeout <= 0 {
		return
	}
	req := x.req
	x.watchdog = x.loop.after(x.cfg.BarrierTimeout, func() {
		if x.req != req || req == nil {
			return
		}
		frames, _ := x.dec.GetUpdatedFrames()
		x.fail(fmt.Errorf("%w: %dus waiting on %v", ErrBarrierTimeout, req.target, x.barrier.waiting(frames)))
	})
}

func (x *SyncExtractor) stopWatchdog() {
	if x.watchdog != nil {
		x.watchdog.Stop()
		x.watchdog = nil
	}
}

// fail tears the decoders down; every later call returns err.
func (x *SyncExtractor) fail(err error) {
	if x.failed != nil {
		return
	}
	x.failed = err
	x.stopWatchdog()
	if rerr := x.dec.Release(); rerr != nil {
		x.log.WithError(rerr).Warn("teardown after failure")
	}
	x.log.WithError(err).Error("extractor failed")
	if x.req != nil {
		x.req.result <- extractResult{err: err}
		x.req = nil
	}
}

// Release frees every decoder and sink. It is idempotent.
func (x *SyncExtractor) Release() error {
	var err error
	x.releaseOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), x.cfg.ReleaseTimeout)
		defer cancel()
		err = x.loop.call(ctx, func() error {
			x.stopWatchdog()
			if x.req != nil {
				x.req.result <- extractResult{err: ErrReleased}
				x.req = nil
			}
			return x.dec.Release()
		})
		x.loop.stop(x.cfg.ReleaseTimeout)
	})
	return err
}
