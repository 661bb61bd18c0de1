package vidcomp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// ExportOptions describes the encoded output of an export.
type ExportOptions struct {
	OutputPath       string     `mapstructure:"output"`
	Codec            VideoCodec `mapstructure:"codec"`
	FrameRate        int        `mapstructure:"frame_rate"`
	Width            int        `mapstructure:"width"`
	Height           int        `mapstructure:"height"`
	Bitrate          int        `mapstructure:"bitrate"`           // bits per second
	KeyFrameInterval int        `mapstructure:"keyframe_interval"` // frames between keyframes
}

// DefaultExportOptions returns 720p VP8 at 30 fps.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		Codec:            VideoCodecVP8,
		FrameRate:        30,
		Width:            1280,
		Height:           720,
		Bitrate:          2_000_000,
		KeyFrameInterval: 60,
	}
}

// Validate checks the options.
func (o ExportOptions) Validate() error {
	switch {
	case o.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate must be positive", ErrInvalidOptions)
	case o.Width <= 0 || o.Height <= 0:
		return fmt.Errorf("%w: output size must be positive", ErrInvalidOptions)
	case o.Width%2 != 0 || o.Height%2 != 0:
		return fmt.Errorf("%w: output size %dx%d must be even", ErrInvalidOptions, o.Width, o.Height)
	case o.Bitrate < 0:
		return fmt.Errorf("%w: negative bitrate", ErrInvalidOptions)
	}
	return nil
}

// Format returns the track format the options describe.
func (o ExportOptions) Format() TrackFormat {
	return TrackFormat{
		Codec:     o.Codec,
		Width:     o.Width,
		Height:    o.Height,
		FrameRate: o.FrameRate,
		Bitrate:   o.Bitrate,
	}
}

// Exporter renders a composition frame by frame at a fixed rate and encodes
// the result. Frame k is composited only once every item active at its
// time has decoded and delivered its frame.
type Exporter struct {
	comp    *Composition
	opts    ExportOptions
	backend ExportBackend
	render  RenderFunc
	cfg     Config
	log     *logrus.Entry
	session string

	loop    *loop
	dec     *CompositionDecoder
	enc     *EncodePipeline
	barrier *readinessBarrier
	bus     *eventBus

	// worker state
	k        int64
	total    int64
	target   int64
	finished bool
	watchdog *time.Timer
	watchSeq uint64

	frame atomic.Int64

	started   atomic.Bool
	startOnce sync.Once
	done      chan struct{}
	err       error
}

// NewExporter creates an exporter. Nothing runs until Start.
func NewExporter(comp *Composition, opts ExportOptions, backend ExportBackend, render RenderFunc, cfg Config) (*Exporter, error) {
	if comp == nil {
		return nil, fmt.Errorf("%w: nil composition", ErrInvalidComposition)
	}
	if render == nil {
		return nil, fmt.Errorf("%w: render function is required", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	session := uuid.NewString()
	e := &Exporter{
		comp:    comp,
		opts:    opts,
		backend: backend,
		render:  render,
		cfg:     cfg,
		session: session,
		log:     cfg.logger("exporter").WithField("session", session),
		barrier: newReadinessBarrier(comp, cfg.BarrierTolerance),
		bus:     newEventBus(256),
		total:   FrameCount(opts.FrameRate, comp.DurationUs()),
		done:    make(chan struct{}),
	}
	e.loop = newLoop(e.log)
	e.dec = NewCompositionDecoder(comp, backend.Backend, cfg, CompositionDecoderOptions{
		Dispatch: func(fn func()) { e.loop.post(fn) },
		OnEvent:  e.onEvent,
		Logger:   e.log,
	})
	return e, nil
}

// Session returns the session id used in logs.
func (e *Exporter) Session() string { return e.session }

// Events returns the notification channel. It is closed after Complete or
// Error.
func (e *Exporter) Events() <-chan Event { return e.bus.ch }

// Progress returns frames encoded so far and the total frame count.
func (e *Exporter) Progress() (frame, total int64) {
	return e.frame.Load(), e.total
}

// Start launches the export. Cancelling ctx aborts it.
func (e *Exporter) Start(ctx context.Context) error {
	started := false
	e.startOnce.Do(func() {
		started = true
		e.started.Store(true)
		stop := context.AfterFunc(ctx, func() {
			e.loop.post(func() { e.abort(ctx.Err()) })
		})
		go func() {
			<-e.done
			stop()
		}()
		e.loop.post(e.begin)
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

// Wait blocks until the export completes and returns its error. It fails
// with ErrNotPrepared before Start.
func (e *Exporter) Wait() error {
	if !e.started.Load() {
		return ErrNotPrepared
	}
	<-e.done
	e.loop.stop(e.cfg.ReleaseTimeout)
	return e.err
}

// Cancel aborts a running export. It does nothing before Start.
func (e *Exporter) Cancel() {
	if e.started.Load() {
		e.loop.post(func() { e.abort(context.Canceled) })
	}
}

// Export runs a whole export and blocks until it finishes.
func Export(ctx context.Context, comp *Composition, opts ExportOptions, backend ExportBackend, render RenderFunc, cfg Config) error {
	e, err := NewExporter(comp, opts, backend, render, cfg)
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	return e.Wait()
}

func (e *Exporter) begin() {
	e.log.WithFields(logrus.Fields{
		"frames": e.total,
		"fps":    e.opts.FrameRate,
		"output": e.opts.OutputPath,
	}).Info("export started")

	if err := e.dec.Prepare(); err != nil {
		e.abort(err)
		return
	}
	enc, err := e.openEncoder()
	if err != nil {
		e.abort(err)
		return
	}
	e.enc = enc
	e.dec.FeedUntil(maxTimeUs)
	if err := e.dec.Start(); err != nil {
		e.abort(err)
		return
	}
	e.bus.publish(Event{Type: EventReady, Dimensions: e.dec.TrackInfos()})

	if e.total == 0 {
		e.complete()
		return
	}
	e.advanceTo(0)
	e.step()
}

func (e *Exporter) openEncoder() (*EncodePipeline, error) {
	if e.backend.NewEncoder == nil || e.backend.NewMuxer == nil {
		return nil, fmt.Errorf("%w: export backend has no encoder or muxer", ErrInvalidOptions)
	}
	enc, err := e.backend.NewEncoder(e.opts)
	if err != nil {
		return nil, err
	}
	mux, err := e.backend.NewMuxer(e.opts)
	if err != nil {
		_ = enc.Release()
		return nil, err
	}
	return NewEncodePipeline(enc, mux, EncodePipelineOptions{
		Width:            e.opts.Width,
		Height:           e.opts.Height,
		GraphicsContext:  e.backend.GraphicsContext,
		DrainPollTimeout: e.cfg.DrainPollTimeout,
		DrainTimeout:     e.cfg.DrainTimeout,
		Logger:           e.log,
	}), nil
}

func (e *Exporter) onEvent(ev Event) {
	if e.finished {
		return
	}
	switch ev.Type {
	case EventFrameAvailable:
		e.barrier.frameAvailable(ev.ItemID, ev.PresentationTimeUs)
	case EventItemEnded:
		e.barrier.itemEnded(ev.ItemID)
	case EventError:
		e.abort(ev.Err)
		return
	}
	e.bus.publish(ev)
	e.step()
}

func (e *Exporter) advanceTo(k int64) {
	e.k = k
	e.target = FrameTimeUs(k, e.opts.FrameRate)
	e.barrier.reset(e.target)
	e.armWatchdog()
}

// step composites and encodes every frame whose barrier has cleared.
func (e *Exporter) step() {
	for !e.finished && e.enc != nil {
		frames, ready, err := e.barrier.evaluate(e.dec)
		if err != nil {
			e.abort(err)
			return
		}
		if !ready {
			return
		}

		if gc := e.backend.GraphicsContext; gc != nil {
			if err := gc.MakeCurrent(); err != nil {
				e.abort(fmt.Errorf("bind graphics context: %w", err))
				return
			}
		}
		img, err := e.render(e.target, frames)
		if err != nil {
			e.abort(fmt.Errorf("render frame %d: %w", e.k, err))
			return
		}
		isLast := e.k == e.total-1
		if err := e.enc.WriteFrame(e.target, img, isLast); err != nil {
			e.abort(fmt.Errorf("encode frame %d: %w", e.k, err))
			return
		}
		e.frame.Store(e.k + 1)
		if isLast {
			e.complete()
			return
		}
		e.advanceTo(e.k + 1)
	}
}

func (e *Exporter) armWatchdog() {
	if e.cfg.BarrierTimeout <= 0 {
		return
	}
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	e.watchSeq++
	seq := e.watchSeq
	k := e.k
	e.watchdog = e.loop.after(e.cfg.BarrierTimeout, func() {
		if e.finished || e.watchSeq != seq {
			return
		}
		frames, _ := e.dec.GetUpdatedFrames()
		e.abort(fmt.Errorf("%w: frame %d at %dus waiting on %v",
			ErrBarrierTimeout, k, e.target, e.barrier.waiting(frames)))
	})
}

func (e *Exporter) complete() {
	var result error
	if e.enc != nil {
		if err := e.enc.Finish(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		e.abort(result)
		return
	}
	e.finished = true
	e.stopWatchdog()
	if err := e.dec.Release(); err != nil {
		e.log.WithError(err).Warn("release after export")
	}
	e.log.WithField("frames", e.frame.Load()).Info("export complete")
	e.bus.closeWith(Event{Type: EventComplete})
	close(e.done)
	e.loop.shutdown()
}

// abort tears everything down and records err. Only the first call counts.
func (e *Exporter) abort(err error) {
	if e.finished {
		return
	}
	e.finished = true
	e.stopWatchdog()

	var teardown error
	if err := e.dec.Release(); err != nil {
		teardown = multierror.Append(teardown, err)
	}
	if e.enc != nil {
		if err := e.enc.Release(); err != nil {
			teardown = multierror.Append(teardown, err)
		}
	}
	if teardown != nil {
		e.log.WithError(teardown).Warn("teardown after abort")
	}
	e.err = err
	e.log.WithError(err).WithField("frame", e.k).Error("export aborted")
	e.bus.closeWith(Event{Type: EventError, Err: err})
	close(e.done)
	e.loop.shutdown()
}

func (e *Exporter) stopWatchdog() {
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	e.watchSeq++
}
