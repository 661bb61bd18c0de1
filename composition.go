package vidcomp

import (
	"fmt"
	"math"
)

// Item is one clip placed on the composition timeline. Times are in
// microseconds.
type Item struct {
	ID         string
	SourcePath string

	// CompositionStartTimeUs and CompositionDurationUs define the window
	// [start, start+duration) the item occupies on the shared timeline.
	CompositionStartTimeUs int64
	CompositionDurationUs  int64

	// StartTimeUs is the trim offset into the source.
	StartTimeUs int64

	// Optional downscale target. Zero keeps the source size.
	Width  int
	Height int
}

// CompositionEndUs returns the exclusive end of the item's window.
func (it Item) CompositionEndUs() int64 {
	return it.CompositionStartTimeUs + it.CompositionDurationUs
}

// Window returns the item's [start, end) range on the composition timeline.
func (it Item) Window() (start, end int64) {
	return it.CompositionStartTimeUs, it.CompositionEndUs()
}

// Contains reports whether composition time t falls inside the item's window.
func (it Item) Contains(t int64) bool {
	return t >= it.CompositionStartTimeUs && t < it.CompositionEndUs()
}

// LocalTime maps a composition time to the source-local time of the item.
func (it Item) LocalTime(t int64) int64 {
	return t - it.CompositionStartTimeUs + it.StartTimeUs
}

// localWindowContains reports whether a source-local pts is renderable.
func (it Item) localWindowContains(pts int64) bool {
	return pts >= it.StartTimeUs && pts < it.StartTimeUs+it.CompositionDurationUs
}

// Composition is an immutable ordered list of items sharing one timeline.
type Composition struct {
	durationUs int64
	items      []Item
}

// NewComposition validates items and builds a Composition.
func NewComposition(durationUs int64, items []Item) (*Composition, error) {
	if durationUs <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidComposition, durationUs)
	}
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		switch {
		case it.ID == "":
			return nil, fmt.Errorf("%w: item %d has no id", ErrInvalidComposition, i)
		case it.SourcePath == "":
			return nil, fmt.Errorf("%w: item %q has no source path", ErrInvalidComposition, it.ID)
		case it.CompositionStartTimeUs < 0 || it.StartTimeUs < 0:
			return nil, fmt.Errorf("%w: item %q has a negative start time", ErrInvalidComposition, it.ID)
		case it.CompositionDurationUs <= 0:
			return nil, fmt.Errorf("%w: item %q duration must be positive", ErrInvalidComposition, it.ID)
		case it.Width < 0 || it.Height < 0:
			return nil, fmt.Errorf("%w: item %q has a negative target size", ErrInvalidComposition, it.ID)
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate item id %q", ErrInvalidComposition, it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	c := &Composition{durationUs: durationUs, items: make([]Item, len(items))}
	copy(c.items, items)
	return c, nil
}

// DurationUs returns the timeline length.
func (c *Composition) DurationUs() int64 { return c.durationUs }

// Items returns a copy of the items in order.
func (c *Composition) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Item looks up an item by id.
func (c *Composition) Item(id string) (Item, bool) {
	for _, it := range c.items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Len returns the number of items.
func (c *Composition) Len() int { return len(c.items) }

// maxTimeUs stands for "no bound" on the composition timeline.
const maxTimeUs = math.MaxInt64

// SecToUs converts seconds to microseconds, rounding to nearest.
func SecToUs(sec float64) int64 {
	return int64(math.Round(sec * 1e6))
}

// NsToUs converts nanoseconds to microseconds, rounding to nearest.
func NsToUs(ns int64) int64 {
	if ns < 0 {
		return -((-ns + 500) / 1000)
	}
	return (ns + 500) / 1000
}

// FrameTimeUs returns the timeline position of export frame k at fps.
func FrameTimeUs(k int64, fps int) int64 {
	return k * 1_000_000 / int64(fps)
}

// FrameCount returns floor(fps * duration) for a duration in microseconds.
func FrameCount(fps int, durationUs int64) int64 {
	return int64(fps) * durationUs / 1_000_000
}
