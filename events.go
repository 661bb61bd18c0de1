package vidcomp

import "fmt"

// EventType identifies a session notification.
type EventType int

const (
	EventReady EventType = iota
	EventFrameAvailable
	EventItemEnded
	EventImageAvailable
	EventSeekComplete
	EventPlayingStatusChange
	EventComplete
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventFrameAvailable:
		return "frame-available"
	case EventItemEnded:
		return "item-ended"
	case EventImageAvailable:
		return "image-available"
	case EventSeekComplete:
		return "seek-complete"
	case EventPlayingStatusChange:
		return "playing-status-change"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a notification surfaced by a session. Only the fields relevant
// to Type are set.
type Event struct {
	Type               EventType
	ItemID             string
	PresentationTimeUs int64
	Playing            bool
	Err                error

	// Dimensions carries per-item source sizes on EventReady.
	Dimensions map[string]TrackInfo
}

func (e Event) String() string {
	switch e.Type {
	case EventFrameAvailable:
		return fmt.Sprintf("%s(%s, %d)", e.Type, e.ItemID, e.PresentationTimeUs)
	case EventItemEnded, EventImageAvailable:
		return fmt.Sprintf("%s(%s)", e.Type, e.ItemID)
	case EventPlayingStatusChange:
		return fmt.Sprintf("%s(%t)", e.Type, e.Playing)
	case EventError:
		return fmt.Sprintf("%s(%v)", e.Type, e.Err)
	default:
		return e.Type.String()
	}
}

// eventBus fans session notifications into a buffered channel. Publishing
// never blocks the worker; notifications beyond the buffer are dropped
// except terminal ones, which are delivered before the channel closes.
type eventBus struct {
	ch      chan Event
	closed  bool
	dropped uint64
}

func newEventBus(size int) *eventBus {
	if size <= 0 {
		size = 64
	}
	return &eventBus{ch: make(chan Event, size)}
}

func (b *eventBus) publish(ev Event) {
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	default:
		b.dropped++
	}
}

// closeWith delivers a terminal event and closes the channel. When the
// buffer is full the oldest entry is dropped to make room.
// Must be called from the owning worker only.
func (b *eventBus) closeWith(ev Event) {
	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- ev:
			b.closed = true
			close(b.ch)
			return
		default:
			select {
			case <-b.ch:
				b.dropped++
			default:
			}
		}
	}
}

func (b *eventBus) close() {
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
