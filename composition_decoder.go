package vidcomp

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// CompositionDecoder runs one ItemDecoder and one FrameSink per item and
// exposes the time-indexed frame selection used by export and playback.
//
// Like ItemDecoder it is single-writer: every method must run on the worker
// that Dispatch posts to.
type CompositionDecoder struct {
	comp     *Composition
	backend  Backend
	cfg      Config
	dispatch func(func())
	onEvent  func(Event)
	log      *logrus.Entry

	items []*compositionItem
	byID  map[string]*compositionItem

	prepared bool
	started  bool
	released bool
}

type compositionItem struct {
	item    Item
	decoder *ItemDecoder
	sink    FrameSink
	frame   *CompositionFrame
	ended   bool
}

// CompositionDecoderOptions configures NewCompositionDecoder.
type CompositionDecoderOptions struct {
	// Dispatch posts work to the owning worker. Nil runs inline.
	Dispatch func(func())

	// OnEvent receives FrameAvailable, ItemEnded, ImageAvailable and Error
	// on the worker.
	OnEvent func(Event)

	Logger *logrus.Entry
}

// NewCompositionDecoder creates a decoder for comp. Nothing is opened until
// Prepare.
func NewCompositionDecoder(comp *Composition, backend Backend, cfg Config, opts CompositionDecoderOptions) *CompositionDecoder {
	cfg = cfg.withDefaults()
	log := opts.Logger
	if log == nil {
		log = cfg.logger("composition-decoder")
	}
	c := &CompositionDecoder{
		comp:     comp,
		backend:  backend,
		cfg:      cfg,
		dispatch: opts.Dispatch,
		onEvent:  opts.OnEvent,
		log:      log,
		byID:     make(map[string]*compositionItem, comp.Len()),
	}
	if c.dispatch == nil {
		c.dispatch = func(fn func()) { fn() }
	}
	if c.onEvent == nil {
		c.onEvent = func(Event) {}
	}
	return c
}

// Composition returns the composition being decoded.
func (c *CompositionDecoder) Composition() *Composition { return c.comp }

// Prepare prepares every item decoder, allocates its sink and configures
// the decoder to render into the sink.
func (c *CompositionDecoder) Prepare() error {
	if c.released {
		return ErrReleased
	}
	if c.prepared {
		return nil
	}
	for _, it := range c.comp.Items() {
		ci := &compositionItem{item: it}
		c.items = append(c.items, ci)
		c.byID[it.ID] = ci

		src, err := c.backend.NewSource(it)
		if err != nil {
			return itemError(it.ID, "prepare", ErrSource, err)
		}
		ci.decoder = NewItemDecoder(it, src, nil, ItemDecoderOptions{
			Listener: c,
			Dispatch: c.dispatch,
			NewPipeline: func(info TrackInfo) (DecodePipeline, error) {
				return c.backend.NewDecoder(info, it, c.cfg)
			},
			MaxPending: c.cfg.MaxPendingFrames,
			Logger:     c.log,
		})
		if err := ci.decoder.Prepare(); err != nil {
			return err
		}

		sink, err := c.backend.NewSink(ci.decoder.TrackInfo(), it, c.cfg)
		if err != nil {
			return itemError(it.ID, "prepare", ErrResourceExhausted, err)
		}
		ci.sink = sink
		id := it.ID
		sink.SetOnFrameAvailable(func() {
			c.dispatch(func() {
				if !c.released {
					c.onEvent(Event{Type: EventImageAvailable, ItemID: id})
				}
			})
		})
		if err := ci.decoder.Configure(sink.Surface()); err != nil {
			return err
		}
	}
	c.prepared = true
	c.log.WithField("items", len(c.items)).Debug("composition prepared")
	return nil
}

// TrackInfos returns the source metadata of every prepared item.
func (c *CompositionDecoder) TrackInfos() map[string]TrackInfo {
	out := make(map[string]TrackInfo, len(c.items))
	for _, ci := range c.items {
		out[ci.item.ID] = ci.decoder.TrackInfo()
	}
	return out
}

// Start starts every item decoder.
func (c *CompositionDecoder) Start() error {
	if c.released {
		return ErrReleased
	}
	if !c.prepared {
		return ErrNotPrepared
	}
	if c.started {
		return nil
	}
	for _, ci := range c.items {
		if err := ci.decoder.Start(); err != nil {
			return err
		}
	}
	c.started = true
	return nil
}

// FeedUntil bounds every item's input to composition time t. Items are fed
// without limit until the first call.
func (c *CompositionDecoder) FeedUntil(t int64) {
	for _, ci := range c.items {
		limit := ci.item.LocalTime(t)
		if t == maxTimeUs {
			limit = maxTimeUs
		}
		ci.decoder.SetFeedLimit(limit)
	}
}

// Render commits the eligible frames of every item at composition time t and
// returns the pts of the last frame each advancing item rendered.
func (c *CompositionDecoder) Render(t int64) (map[string]int64, error) {
	if c.released {
		return nil, ErrReleased
	}
	out := make(map[string]int64)
	for _, ci := range c.items {
		pts, ok, err := ci.decoder.Render(t)
		if err != nil {
			return out, err
		}
		if ok {
			out[ci.item.ID] = pts
		}
	}
	return out, nil
}

// GetUpdatedFrames polls every sink for its latest image and returns the
// current frame of every item that has one. A newer image replaces and
// releases the cached one. The returned frames stay owned by the decoder
// and are valid until the next call, SeekTo or Release.
func (c *CompositionDecoder) GetUpdatedFrames() (map[string]*CompositionFrame, error) {
	if c.released {
		return nil, ErrReleased
	}
	var result error
	out := make(map[string]*CompositionFrame, len(c.items))
	for _, ci := range c.items {
		if ci.sink != nil && ci.sink.HasFrame() {
			// release before acquire: one image per item outstanding here
			if ci.frame != nil {
				if err := ci.frame.Handle.Release(); err != nil {
					result = multierror.Append(result, itemError(ci.item.ID, "release", ErrProtocolViolation, err))
				}
				ci.frame = nil
			}
			sf, err := ci.sink.AcquireLatestFrame()
			if err != nil {
				result = multierror.Append(result, itemError(ci.item.ID, "acquire", ErrResourceExhausted, err))
			} else if sf != nil {
				ci.frame = &CompositionFrame{
					Width:       sf.Width,
					Height:      sf.Height,
					Rotation:    ci.decoder.TrackInfo().Rotation,
					Handle:      sf.Handle,
					TimestampUs: sf.TimestampUs,
				}
			}
		}
		if ci.frame != nil {
			out[ci.item.ID] = ci.frame
		}
	}
	return out, result
}

// Frame returns the cached frame of one item.
func (c *CompositionDecoder) Frame(id string) (*CompositionFrame, bool) {
	ci, ok := c.byID[id]
	if !ok || ci.frame == nil {
		return nil, false
	}
	return ci.frame, true
}

// Ended reports whether an item reached its end since the last seek.
func (c *CompositionDecoder) Ended(id string) bool {
	ci, ok := c.byID[id]
	return ok && ci.ended
}

// SeekTo repositions every item to composition time positionUs. Frames
// returned earlier are stale afterwards.
func (c *CompositionDecoder) SeekTo(positionUs int64) error {
	if c.released {
		return ErrReleased
	}
	var result error
	for _, ci := range c.items {
		ci.ended = false
		local := positionUs - ci.item.CompositionStartTimeUs
		if local < 0 {
			local = 0
		}
		if err := ci.decoder.SeekTo(local); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return result
	}
	c.log.WithField("position", positionUs).Debug("composition seeked")
	return nil
}

// Release releases every item decoder, cached frame and sink. It is
// idempotent and attempts every step.
func (c *CompositionDecoder) Release() error {
	if c.released {
		return nil
	}
	c.released = true
	var result error
	for _, ci := range c.items {
		if ci.decoder != nil {
			if err := ci.decoder.Release(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if ci.frame != nil {
			if err := ci.frame.Handle.Release(); err != nil {
				result = multierror.Append(result, err)
			}
			ci.frame = nil
		}
		if ci.sink != nil {
			if err := ci.sink.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close sink %q: %w", ci.item.ID, err))
			}
		}
	}
	c.log.Debug("composition released")
	return result
}

// FrameAvailable implements ItemListener.
func (c *CompositionDecoder) FrameAvailable(itemID string, ptsUs int64) {
	c.onEvent(Event{Type: EventFrameAvailable, ItemID: itemID, PresentationTimeUs: ptsUs})
}

// ItemEnded implements ItemListener.
func (c *CompositionDecoder) ItemEnded(itemID string) {
	if ci, ok := c.byID[itemID]; ok {
		ci.ended = true
	}
	c.onEvent(Event{Type: EventItemEnded, ItemID: itemID})
}

// ItemFailed implements ItemListener.
func (c *CompositionDecoder) ItemFailed(itemID string, err error) {
	c.onEvent(Event{Type: EventError, ItemID: itemID, Err: err})
}
