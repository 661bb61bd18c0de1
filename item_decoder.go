package vidcomp

import (
	"errors"
	"io"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// ItemDecoderState is the lifecycle state of an ItemDecoder.
type ItemDecoderState int

const (
	ItemDecoderCreated ItemDecoderState = iota
	ItemDecoderPrepared
	ItemDecoderConfigured
	ItemDecoderStarted
	ItemDecoderRunning
	ItemDecoderSeeking
	ItemDecoderReleased
)

func (s ItemDecoderState) String() string {
	switch s {
	case ItemDecoderCreated:
		return "created"
	case ItemDecoderPrepared:
		return "prepared"
	case ItemDecoderConfigured:
		return "configured"
	case ItemDecoderStarted:
		return "started"
	case ItemDecoderRunning:
		return "running"
	case ItemDecoderSeeking:
		return "seeking"
	case ItemDecoderReleased:
		return "released"
	default:
		return "unknown"
	}
}

// ItemListener receives item decoder notifications on the worker.
type ItemListener interface {
	FrameAvailable(itemID string, ptsUs int64)
	ItemEnded(itemID string)
	ItemFailed(itemID string, err error)
}

// ItemDecoder drives one item's source through one decode pipeline and
// keeps the decoded outputs that fall inside the item's window until they
// are rendered.
//
// All methods, and the pipeline callbacks once routed through dispatch,
// must run on the same worker.
type ItemDecoder struct {
	item     Item
	source   SampleSource
	pipeline DecodePipeline
	listener ItemListener
	dispatch func(func())
	newPipe  func(info TrackInfo) (DecodePipeline, error)
	log      *logrus.Entry

	state ItemDecoderState
	info  TrackInfo

	pool    *framePool
	pending []PendingFrame

	// generation counts Flush calls issued to the pipeline.
	generation uint64
	credits    int
	held       *Sample
	feedLimit  int64 // source-local pts bound for submitted samples

	inputEOS    bool
	endReached  bool
	endNotified bool
	hasRendered bool
	lastPts     int64
}

// ItemDecoderOptions configures NewItemDecoder.
type ItemDecoderOptions struct {
	Listener ItemListener

	// Dispatch moves pipeline callbacks onto the worker. Nil runs them on
	// the calling goroutine.
	Dispatch func(func())

	// NewPipeline creates the pipeline during Prepare when none was given
	// to NewItemDecoder.
	NewPipeline func(info TrackInfo) (DecodePipeline, error)

	// MaxPending caps queued frames. Zero is unbounded.
	MaxPending int
	Logger     *logrus.Entry
}

// NewItemDecoder creates a decoder for item. It takes ownership of source
// and pipeline.
func NewItemDecoder(item Item, source SampleSource, pipeline DecodePipeline, opts ItemDecoderOptions) *ItemDecoder {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &ItemDecoder{
		item:      item,
		source:    source,
		pipeline:  pipeline,
		listener:  opts.Listener,
		dispatch:  opts.Dispatch,
		newPipe:   opts.NewPipeline,
		log:       log.WithFields(logrus.Fields{"component": "item-decoder", "item": item.ID}),
		feedLimit: math.MaxInt64,
	}
	if d.dispatch == nil {
		d.dispatch = func(fn func()) { fn() }
	}
	d.pool = newFramePool(opts.MaxPending, func(index int, render bool) error {
		return d.pipeline.ReleaseOutput(index, render)
	})
	return d
}

// Item returns the composition item this decoder serves.
func (d *ItemDecoder) Item() Item { return d.item }

// State returns the lifecycle state.
func (d *ItemDecoder) State() ItemDecoderState { return d.state }

// TrackInfo returns the source track metadata found by Prepare.
func (d *ItemDecoder) TrackInfo() TrackInfo { return d.info }

// PendingCount returns the number of queued frames.
func (d *ItemDecoder) PendingCount() int { return len(d.pending) }

// EndReached reports whether the item has produced its last frame.
func (d *ItemDecoder) EndReached() bool { return d.endReached }

// Prepare opens the source and positions it at the trim offset.
func (d *ItemDecoder) Prepare() error {
	switch d.state {
	case ItemDecoderReleased:
		return ErrReleased
	case ItemDecoderCreated:
	default:
		return nil
	}
	info, err := d.source.Open(d.item.SourcePath)
	if err != nil {
		return itemError(d.item.ID, "prepare", ErrSource, err)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return itemError(d.item.ID, "prepare", ErrSource, ErrNoVideoTrack)
	}
	if d.item.StartTimeUs > 0 {
		if err := d.source.Seek(d.item.StartTimeUs, SeekPreviousSync); err != nil {
			return itemError(d.item.ID, "prepare", ErrSource, err)
		}
	}
	if d.pipeline == nil {
		if d.newPipe == nil {
			return itemError(d.item.ID, "prepare", ErrDecode, ErrNotConfigured)
		}
		p, err := d.newPipe(info)
		if err != nil {
			return itemError(d.item.ID, "prepare", ErrDecode, err)
		}
		d.pipeline = p
	}
	d.info = info
	d.state = ItemDecoderPrepared
	d.log.WithFields(logrus.Fields{
		"codec":  info.Codec,
		"width":  info.Width,
		"height": info.Height,
	}).Debug("prepared")
	return nil
}

// Configure binds the pipeline to out. A second call is a no-op.
func (d *ItemDecoder) Configure(out Surface) error {
	switch d.state {
	case ItemDecoderReleased:
		return ErrReleased
	case ItemDecoderCreated:
		return itemError(d.item.ID, "configure", ErrProtocolViolation, ErrNotPrepared)
	case ItemDecoderPrepared:
	default:
		return nil
	}
	cb := DecodeCallbacks{
		OnInputNeeded: func(gen uint64) {
			d.dispatch(func() { d.HandleInputNeeded(gen) })
		},
		OnOutputReady: func(buf OutputBuffer) {
			d.dispatch(func() { d.HandleOutputReady(buf) })
		},
		OnError: func(err error) {
			d.dispatch(func() { d.fail("decode", ErrDecode, err) })
		},
	}
	if err := d.pipeline.Configure(d.info, out, cb); err != nil {
		return itemError(d.item.ID, "configure", ErrDecode, err)
	}
	d.state = ItemDecoderConfigured
	return nil
}

// Start begins asynchronous decoding.
func (d *ItemDecoder) Start() error {
	switch d.state {
	case ItemDecoderReleased:
		return ErrReleased
	case ItemDecoderCreated, ItemDecoderPrepared:
		return itemError(d.item.ID, "start", ErrProtocolViolation, ErrNotConfigured)
	case ItemDecoderConfigured:
	default:
		return nil
	}
	if err := d.pipeline.Start(); err != nil {
		return itemError(d.item.ID, "start", ErrDecode, err)
	}
	d.state = ItemDecoderStarted
	d.log.Debug("started")
	return nil
}

func (d *ItemDecoder) started() bool {
	return d.state == ItemDecoderStarted || d.state == ItemDecoderRunning
}

// SetFeedLimit bounds submitted samples to source-local pts <= limitUs and
// feeds any credits the previous limit held back.
func (d *ItemDecoder) SetFeedLimit(limitUs int64) {
	d.feedLimit = limitUs
	if d.started() {
		d.feed()
	}
}

// HandleInputNeeded accounts one input credit and feeds the pipeline.
func (d *ItemDecoder) HandleInputNeeded(gen uint64) {
	if !d.started() || gen != d.generation {
		return
	}
	d.credits++
	d.feed()
}

func (d *ItemDecoder) feed() {
	for d.credits > 0 && !d.inputEOS {
		if d.endReached {
			d.submitEndOfStream()
			return
		}
		s, err := d.nextSample()
		if errors.Is(err, io.EOF) {
			d.submitEndOfStream()
			return
		}
		if err != nil {
			d.fail("read", ErrSource, err)
			return
		}
		if s.PresentationTimeUs > d.feedLimit {
			d.held = &s
			return
		}
		var flags BufferFlags
		if s.KeyFrame {
			flags |= BufferFlagKeyFrame
		}
		if err := d.pipeline.Submit(s, flags); err != nil {
			d.fail("submit", ErrDecode, err)
			return
		}
		d.credits--
		d.state = ItemDecoderRunning
	}
}

func (d *ItemDecoder) nextSample() (Sample, error) {
	if d.held != nil {
		s := *d.held
		d.held = nil
		return s, nil
	}
	return d.source.ReadNextSample()
}

func (d *ItemDecoder) submitEndOfStream() {
	if err := d.pipeline.Submit(Sample{}, BufferFlagEndOfStream); err != nil {
		d.fail("submit", ErrDecode, err)
		return
	}
	d.credits--
	d.inputEOS = true
	d.log.Debug("input end of stream")
}

// HandleOutputReady queues an in-window decoded buffer or returns it
// immediately.
func (d *ItemDecoder) HandleOutputReady(buf OutputBuffer) {
	if !d.started() {
		return
	}
	if buf.Generation != d.generation {
		// The pipeline reclaimed stale slots when it flushed.
		return
	}

	eos := buf.Flags&BufferFlagEndOfStream != 0
	afterWindow := buf.PresentationTimeUs >= d.item.StartTimeUs+d.item.CompositionDurationUs
	inWindow := d.item.localWindowContains(buf.PresentationTimeUs)

	if buf.Size > 0 {
		if inWindow && !d.endReached {
			f, err := d.pool.acquire(buf.Index, buf.PresentationTimeUs)
			if err != nil {
				_ = d.pipeline.ReleaseOutput(buf.Index, false)
				d.fail("output", ErrResourceExhausted, err)
				return
			}
			d.pending = append(d.pending, f)
			if d.listener != nil {
				d.listener.FrameAvailable(d.item.ID, buf.PresentationTimeUs)
			}
		} else if err := d.pipeline.ReleaseOutput(buf.Index, false); err != nil {
			d.fail("discard", ErrDecode, err)
			return
		}
	} else if buf.Index >= 0 {
		// empty buffers carry no picture but still hold a slot
		if err := d.pipeline.ReleaseOutput(buf.Index, false); err != nil {
			d.fail("discard", ErrDecode, err)
			return
		}
	}

	if eos || (buf.Size > 0 && afterWindow) {
		d.endReached = true
	}
	if d.endReached && !d.endNotified {
		d.endNotified = true
		d.log.WithField("pts", buf.PresentationTimeUs).Debug("item end reached")
		if d.listener != nil {
			d.listener.ItemEnded(d.item.ID)
		}
	}
}

// Render commits every queued frame whose local time has been reached at
// composition time t, in arrival order. The very first frame after start or
// seek is committed regardless of t. It returns the pts of the last frame
// committed.
func (d *ItemDecoder) Render(t int64) (int64, bool, error) {
	if !d.started() {
		return 0, false, nil
	}
	target := t - d.item.CompositionStartTimeUs
	var (
		last     int64
		rendered bool
	)
	for len(d.pending) > 0 {
		f := d.pending[0]
		if d.hasRendered && f.PresentationTimeUs()-d.item.StartTimeUs > target {
			break
		}
		d.pending[0] = PendingFrame{}
		d.pending = d.pending[1:]
		if err := f.Render(); err != nil {
			return last, rendered, itemError(d.item.ID, "render", ErrDecode, err)
		}
		if d.hasRendered && f.PresentationTimeUs() < d.lastPts {
			d.log.WithFields(logrus.Fields{
				"pts":  f.PresentationTimeUs(),
				"last": d.lastPts,
			}).Warn("decoder output went backwards")
		}
		d.hasRendered = true
		d.lastPts = f.PresentationTimeUs()
		last, rendered = f.PresentationTimeUs(), true
	}
	return last, rendered, nil
}

// SeekTo drops queued frames, flushes the pipeline and repositions the
// source at the sync point preceding positionUs on the item's local clock.
func (d *ItemDecoder) SeekTo(positionUs int64) error {
	if d.state == ItemDecoderReleased {
		return ErrReleased
	}
	wasStarted := d.started()
	prev := d.state
	d.state = ItemDecoderSeeking

	var result error
	for _, f := range d.pending {
		if err := f.Discard(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	d.pending = d.pending[:0]
	d.held = nil
	d.credits = 0

	if wasStarted {
		if err := d.pipeline.Flush(); err != nil {
			d.state = prev
			return itemError(d.item.ID, "seek", ErrDecode, err)
		}
		d.generation++
	}
	if err := d.source.Seek(positionUs+d.item.StartTimeUs, SeekPreviousSync); err != nil {
		d.state = prev
		return itemError(d.item.ID, "seek", ErrSource, err)
	}

	d.endReached = false
	d.endNotified = false
	d.inputEOS = false
	d.hasRendered = false
	d.lastPts = 0

	d.state = prev
	if wasStarted {
		d.state = ItemDecoderStarted
		if err := d.pipeline.Start(); err != nil {
			return itemError(d.item.ID, "seek", ErrDecode, err)
		}
	}
	d.log.WithField("position", positionUs).Debug("seeked")
	if result != nil {
		return itemError(d.item.ID, "seek", ErrProtocolViolation, result)
	}
	return nil
}

// Release frees the pipeline and source. It is idempotent and attempts
// every step even when earlier ones fail.
func (d *ItemDecoder) Release() error {
	if d.state == ItemDecoderReleased {
		return nil
	}
	d.state = ItemDecoderReleased

	var result error
	for _, f := range d.pending {
		if err := f.Discard(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	d.pending = nil
	d.held = nil
	d.pool.close()

	if d.pipeline != nil {
		if err := d.pipeline.Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.source != nil {
		if err := d.source.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	d.log.Debug("released")
	if result != nil {
		return itemError(d.item.ID, "release", ErrDecode, result)
	}
	return nil
}

func (d *ItemDecoder) fail(op string, kind, err error) {
	if d.state == ItemDecoderReleased {
		return
	}
	err = itemError(d.item.ID, op, kind, err)
	d.log.WithError(err).Error("item failed")
	if d.listener != nil {
		d.listener.ItemFailed(d.item.ID, err)
	}
}
