package vidcomp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FramesFunc receives the current frames of a playing composition. It runs
// on the player's worker; frames are valid only for the duration of the
// call.
type FramesFunc func(positionUs int64, frames map[string]*CompositionFrame)

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithOnFrames installs a callback invoked on every playback tick.
func WithOnFrames(fn FramesFunc) PlayerOption {
	return func(p *Player) { p.onFrames = fn }
}

// WithClock replaces time.Now for position tracking.
func WithClock(now func() time.Time) PlayerOption {
	return func(p *Player) { p.now = now }
}

// WithLooping starts the player in looping mode.
func WithLooping(loop bool) PlayerOption {
	return func(p *Player) { p.looping.Store(loop) }
}

// Player plays a composition in real time. Late items keep showing their
// previous frame instead of holding playback back.
type Player struct {
	comp    *Composition
	backend Backend
	cfg     Config
	log     *logrus.Entry

	loop *loop
	dec  *CompositionDecoder
	bus  *eventBus

	onFrames FramesFunc
	now      func() time.Time

	// worker state
	prepared  bool
	playing   bool
	failed    error
	startWall time.Time
	startPos  int64

	position atomic.Int64
	isPlay   atomic.Bool
	looping  atomic.Bool

	seekMu      sync.Mutex
	seekTarget  int64
	seekPending bool

	releaseOnce sync.Once
}

// NewPlayer creates a paused player positioned at 0. Items are prepared on
// the first Play.
func NewPlayer(comp *Composition, backend Backend, cfg Config, opts ...PlayerOption) *Player {
	cfg = cfg.withDefaults()
	p := &Player{
		comp:    comp,
		backend: backend,
		cfg:     cfg,
		log:     cfg.logger("player").WithField("session", uuid.NewString()),
		bus:     newEventBus(256),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.loop = newLoop(p.log)
	p.dec = NewCompositionDecoder(comp, backend, cfg, CompositionDecoderOptions{
		Dispatch: func(fn func()) { p.loop.post(fn) },
		OnEvent:  p.onEvent,
		Logger:   p.log,
	})
	return p
}

// Events returns the notification channel. It is closed on Release or
// after an Error event.
func (p *Player) Events() <-chan Event { return p.bus.ch }

// Position returns the current timeline position.
func (p *Player) Position() int64 { return p.position.Load() }

// IsPlaying reports whether playback is running.
func (p *Player) IsPlaying() bool { return p.isPlay.Load() }

// IsLooping reports whether playback restarts at the end.
func (p *Player) IsLooping() bool { return p.looping.Load() }

// SetLooping sets whether playback restarts at the end.
func (p *Player) SetLooping(loop bool) { p.looping.Store(loop) }

// Play starts or resumes playback, preparing the items on first use.
func (p *Player) Play(ctx context.Context) error {
	return p.loop.call(ctx, func() error {
		if p.failed != nil {
			return p.failed
		}
		if err := p.ensurePrepared(); err != nil {
			p.fail(err)
			return err
		}
		if p.playing {
			return nil
		}
		if p.position.Load() >= p.comp.DurationUs() {
			if err := p.seek(0); err != nil {
				return err
			}
		}
		p.setPlaying(true)
		return nil
	})
}

// Pause stops playback at the current position.
func (p *Player) Pause(ctx context.Context) error {
	return p.loop.call(ctx, func() error {
		if p.failed != nil {
			return p.failed
		}
		if p.playing {
			p.tick()
			p.setPlaying(false)
		}
		return nil
	})
}

// SeekTo moves playback to positionUs. Requests made before the worker
// handles the previous one replace it.
func (p *Player) SeekTo(positionUs int64) error {
	p.seekMu.Lock()
	p.seekTarget = positionUs
	posted := p.seekPending
	p.seekPending = true
	p.seekMu.Unlock()
	if posted {
		return nil
	}
	if !p.loop.post(p.applySeek) {
		return ErrClosed
	}
	return nil
}

// WithFrames runs fn on the worker with the current frames.
func (p *Player) WithFrames(ctx context.Context, fn FramesFunc) error {
	return p.loop.call(ctx, func() error {
		if p.failed != nil {
			return p.failed
		}
		if !p.prepared {
			fn(p.position.Load(), map[string]*CompositionFrame{})
			return nil
		}
		frames, err := p.dec.GetUpdatedFrames()
		if err != nil {
			p.fail(err)
			return err
		}
		fn(p.position.Load(), frames)
		return nil
	})
}

// Release stops playback and frees every resource. It is idempotent and
// must not be called from a FramesFunc.
func (p *Player) Release() error {
	var err error
	p.releaseOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReleaseTimeout)
		defer cancel()
		err = p.loop.call(ctx, func() error {
			p.loop.stopTicker()
			p.playing = false
			p.isPlay.Store(false)
			rerr := p.dec.Release()
			p.bus.close()
			return rerr
		})
		if err == ErrClosed {
			err = nil
		}
		p.loop.stop(p.cfg.ReleaseTimeout)
	})
	return err
}

func (p *Player) ensurePrepared() error {
	if p.prepared {
		return nil
	}
	if err := p.dec.Prepare(); err != nil {
		return err
	}
	pos := p.position.Load()
	p.dec.FeedUntil(pos + p.cfg.LookaheadWindow.Microseconds())
	if err := p.dec.Start(); err != nil {
		return err
	}
	if pos > 0 {
		if err := p.dec.SeekTo(pos); err != nil {
			return err
		}
	}
	p.prepared = true
	p.bus.publish(Event{Type: EventReady, Dimensions: p.dec.TrackInfos()})
	p.log.WithField("items", p.comp.Len()).Info("player ready")
	return nil
}

func (p *Player) setPlaying(playing bool) {
	if p.playing == playing {
		return
	}
	p.playing = playing
	p.isPlay.Store(playing)
	if playing {
		p.startWall = p.now()
		p.startPos = p.position.Load()
		p.loop.startTicker(p.cfg.TickInterval, p.tick)
	} else {
		p.loop.stopTicker()
	}
	p.bus.publish(Event{Type: EventPlayingStatusChange, Playing: playing})
}

// tick advances the position from the wall clock, feeds the decoders up to
// the lookahead window and renders what became eligible.
func (p *Player) tick() {
	if !p.playing || p.failed != nil {
		return
	}
	t := p.startPos + p.now().Sub(p.startWall).Microseconds()
	end := p.comp.DurationUs()
	if t >= end {
		t = end
	}
	p.position.Store(t)
	p.dec.FeedUntil(t + p.cfg.LookaheadWindow.Microseconds())
	if _, err := p.dec.Render(t); err != nil {
		p.fail(err)
		return
	}
	frames, err := p.dec.GetUpdatedFrames()
	if err != nil {
		p.fail(err)
		return
	}
	if p.onFrames != nil {
		p.onFrames(t, frames)
	}

	if t < end {
		return
	}
	p.bus.publish(Event{Type: EventComplete, PresentationTimeUs: t})
	if p.looping.Load() {
		if err := p.seek(0); err != nil {
			return
		}
		p.startWall = p.now()
		p.startPos = 0
		return
	}
	p.setPlaying(false)
}

func (p *Player) applySeek() {
	p.seekMu.Lock()
	target := p.seekTarget
	p.seekPending = false
	p.seekMu.Unlock()

	if p.failed != nil {
		return
	}
	if err := p.seek(target); err != nil {
		return
	}
	p.startWall = p.now()
	p.startPos = p.position.Load()
	p.bus.publish(Event{Type: EventSeekComplete, PresentationTimeUs: p.position.Load()})
}

func (p *Player) seek(target int64) error {
	if target < 0 {
		target = 0
	}
	if end := p.comp.DurationUs(); target > end {
		target = end
	}
	p.position.Store(target)
	if !p.prepared {
		return nil
	}
	if err := p.dec.SeekTo(target); err != nil {
		p.fail(err)
		return err
	}
	p.dec.FeedUntil(target + p.cfg.LookaheadWindow.Microseconds())
	return nil
}

// fail stops playback, tears the decoders down and reports err.
func (p *Player) fail(err error) {
	if p.failed != nil {
		return
	}
	p.failed = err
	p.loop.stopTicker()
	p.playing = false
	p.isPlay.Store(false)
	if rerr := p.dec.Release(); rerr != nil {
		p.log.WithError(rerr).Warn("teardown after failure")
	}
	p.log.WithError(err).Error("playback failed")
	p.bus.closeWith(Event{Type: EventError, Err: err})
}

func (p *Player) onEvent(ev Event) {
	if p.failed != nil {
		return
	}
	if ev.Type == EventError {
		p.fail(ev.Err)
		return
	}
	p.bus.publish(ev)

	// while paused, frames decoded after a seek still reach the sinks
	if ev.Type == EventFrameAvailable && !p.playing && p.prepared {
		if _, err := p.dec.Render(p.position.Load()); err != nil {
			p.fail(err)
		}
	}
}
