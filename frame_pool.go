package vidcomp

import "sync"

// PendingFrame is an owned reference to one decoder output slot. Exactly one
// of Render or Discard may be called; any further call, on this value or a
// copy of it, fails with ErrProtocolViolation.
type PendingFrame struct {
	pool  *framePool
	slot  *frameSlot
	gen   uint64
	index int
	pts   int64
}

// PresentationTimeUs is the source-local timestamp of the decoded buffer.
func (f PendingFrame) PresentationTimeUs() int64 { return f.pts }

// Render returns the slot to the pipeline and displays its image.
func (f PendingFrame) Render() error { return f.release(true) }

// Discard returns the slot to the pipeline without displaying it.
func (f PendingFrame) Discard() error { return f.release(false) }

func (f PendingFrame) release(render bool) error {
	if f.pool == nil || f.slot == nil {
		return protocolViolation("release of zero PendingFrame")
	}
	return f.pool.release(f, render)
}

type frameSlot struct {
	gen  uint64
	live bool
}

// framePool recycles slot records and enforces single release. Release may
// come from the worker or from a teardown path, so it is locked.
type framePool struct {
	mu          sync.Mutex
	free        []*frameSlot
	outstanding int
	max         int // 0 = unbounded
	closed      bool

	returnSlot func(index int, render bool) error
}

func newFramePool(max int, returnSlot func(index int, render bool) error) *framePool {
	return &framePool{max: max, returnSlot: returnSlot}
}

func (p *framePool) acquire(index int, pts int64) (PendingFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return PendingFrame{}, ErrReleased
	}
	if p.max > 0 && p.outstanding >= p.max {
		return PendingFrame{}, resourceExhausted("%d pending frames outstanding", p.outstanding)
	}
	var s *frameSlot
	if n := len(p.free); n > 0 {
		s = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		s = &frameSlot{}
	}
	s.live = true
	p.outstanding++
	return PendingFrame{pool: p, slot: s, gen: s.gen, index: index, pts: pts}, nil
}

func (p *framePool) release(f PendingFrame, render bool) error {
	p.mu.Lock()
	if !f.slot.live || f.slot.gen != f.gen {
		p.mu.Unlock()
		return protocolViolation("pending frame (buffer %d, pts %d) released twice", f.index, f.pts)
	}
	f.slot.live = false
	f.slot.gen++
	p.free = append(p.free, f.slot)
	p.outstanding--
	closed := p.closed
	p.mu.Unlock()

	if closed || p.returnSlot == nil {
		return nil
	}
	return p.returnSlot(f.index, render)
}

// Outstanding reports frames acquired and not yet released.
func (p *framePool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// close stops returning slots to the pipeline; handles still validate.
func (p *framePool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
