package vidcomp

import "time"

// readinessBarrier decides when every item relevant to a target time has
// both decoded and delivered its frame. It is owned by one worker.
type readinessBarrier struct {
	comp      *Composition
	tolerance int64

	target   int64
	frontier map[string]int64 // latest frame-available pts, source-local
	ended    map[string]bool
	rendered map[string]int64 // pts committed for the current target
}

func newReadinessBarrier(comp *Composition, tolerance time.Duration) *readinessBarrier {
	return &readinessBarrier{
		comp:      comp,
		tolerance: tolerance.Microseconds(),
		frontier:  make(map[string]int64),
		ended:     make(map[string]bool),
		rendered:  make(map[string]int64),
	}
}

// reset starts a new round for target t.
func (b *readinessBarrier) reset(t int64) {
	b.target = t
	clear(b.rendered)
}

// seek forgets decode progress; items restart from their sync points.
func (b *readinessBarrier) seek(t int64) {
	clear(b.frontier)
	clear(b.ended)
	b.reset(t)
}

func (b *readinessBarrier) frameAvailable(id string, pts int64) {
	if cur, ok := b.frontier[id]; !ok || pts > cur {
		b.frontier[id] = pts
	}
}

func (b *readinessBarrier) itemEnded(id string) {
	b.ended[id] = true
}

func (b *readinessBarrier) recordRendered(r map[string]int64) {
	for id, pts := range r {
		b.rendered[id] = pts
	}
}

// decodeReady holds when every item whose window contains the target, and
// which has not ended, has decoded up to the target on its local clock.
// Decoder output is in pts order, so every eligible frame has then been
// committed by the preceding render.
func (b *readinessBarrier) decodeReady() bool {
	for _, it := range b.comp.items {
		if !it.Contains(b.target) || b.ended[it.ID] {
			continue
		}
		pts, ok := b.frontier[it.ID]
		if !ok || pts-it.StartTimeUs < b.target-it.CompositionStartTimeUs {
			return false
		}
	}
	return true
}

// deliveryReady holds when every item that committed a frame this round
// shows that frame, within tolerance, in its sink.
func (b *readinessBarrier) deliveryReady(frames map[string]*CompositionFrame) bool {
	for id, pts := range b.rendered {
		f, ok := frames[id]
		if !ok || abs64(f.TimestampUs-pts) > b.tolerance {
			return false
		}
	}
	return true
}

// waiting lists the items still holding the barrier, for diagnostics.
func (b *readinessBarrier) waiting(frames map[string]*CompositionFrame) []string {
	var out []string
	for _, it := range b.comp.items {
		if !it.Contains(b.target) || b.ended[it.ID] {
			continue
		}
		if pts, ok := b.frontier[it.ID]; !ok || pts-it.StartTimeUs < b.target-it.CompositionStartTimeUs {
			out = append(out, it.ID)
		}
	}
	for id, pts := range b.rendered {
		if f, ok := frames[id]; !ok || abs64(f.TimestampUs-pts) > b.tolerance {
			out = append(out, id)
		}
	}
	return out
}

// evaluate renders at the current target and reports whether both
// barriers have cleared, returning the frame map when they have.
func (b *readinessBarrier) evaluate(dec *CompositionDecoder) (map[string]*CompositionFrame, bool, error) {
	r, err := dec.Render(b.target)
	if err != nil {
		return nil, false, err
	}
	b.recordRendered(r)
	if !b.decodeReady() {
		return nil, false, nil
	}
	frames, err := dec.GetUpdatedFrames()
	if err != nil {
		return nil, false, err
	}
	if !b.deliveryReady(frames) {
		return frames, false, nil
	}
	return frames, true, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
