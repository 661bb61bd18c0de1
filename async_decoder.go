package vidcomp

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AsyncDecoder turns a synchronous FrameDecoder into a DecodePipeline. A
// goroutine consumes submitted samples, grants one input credit per consumed
// sample and holds decoded pictures in a fixed set of output slots until
// they are released.
type AsyncDecoder struct {
	dec         FrameDecoder
	inputSlots  int
	outputSlots int
	releaseWait time.Duration
	log         *logrus.Entry

	mu         sync.Mutex
	cond       *sync.Cond
	surface    Surface
	cb         DecodeCallbacks
	configured bool
	running    bool
	released   bool
	generation uint64
	queue      []asyncInput
	slots      []*VideoFrame

	// decodeMu serialises FrameDecoder calls between the worker and Flush.
	decodeMu sync.Mutex
	done     chan struct{}
	launched bool
}

type asyncInput struct {
	sample Sample
	flags  BufferFlags
}

// AsyncDecoderOptions configures NewAsyncDecoder.
type AsyncDecoderOptions struct {
	InputSlots     int
	OutputSlots    int
	ReleaseTimeout time.Duration
	Logger         *logrus.Entry
}

// NewAsyncDecoder wraps dec. It takes ownership of dec.
func NewAsyncDecoder(dec FrameDecoder, opts AsyncDecoderOptions) *AsyncDecoder {
	d := DefaultConfig()
	if opts.InputSlots <= 0 {
		opts.InputSlots = d.DecoderInputSlots
	}
	if opts.OutputSlots <= 0 {
		opts.OutputSlots = d.DecoderOutputSlots
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = d.ReleaseTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &AsyncDecoder{
		dec:         dec,
		inputSlots:  opts.InputSlots,
		outputSlots: opts.OutputSlots,
		releaseWait: opts.ReleaseTimeout,
		log:         log.WithField("component", "async-decoder"),
		slots:       make([]*VideoFrame, opts.OutputSlots),
		done:        make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Configure implements DecodePipeline.
func (a *AsyncDecoder) Configure(info TrackInfo, out Surface, cb DecodeCallbacks) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return ErrReleased
	}
	a.surface = out
	a.cb = cb
	a.configured = true
	a.log = a.log.WithFields(logrus.Fields{"codec": info.Codec})
	return nil
}

// Start implements DecodePipeline. It grants every input slot as a credit.
func (a *AsyncDecoder) Start() error {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return ErrReleased
	}
	if !a.configured {
		a.mu.Unlock()
		return ErrNotConfigured
	}
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	gen := a.generation
	if !a.launched {
		a.launched = true
		go a.run()
	}
	cb := a.cb.OnInputNeeded
	a.cond.Broadcast()
	a.mu.Unlock()

	if cb != nil {
		for i := 0; i < a.inputSlots; i++ {
			cb(gen)
		}
	}
	return nil
}

// Submit implements DecodePipeline.
func (a *AsyncDecoder) Submit(s Sample, flags BufferFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return ErrReleased
	}
	if !a.running {
		return protocolViolation("submit to a stopped decoder")
	}
	if len(a.queue) >= a.inputSlots {
		return protocolViolation("submit without an input credit")
	}
	a.queue = append(a.queue, asyncInput{sample: s, flags: flags})
	a.cond.Broadcast()
	return nil
}

// ReleaseOutput implements DecodePipeline.
func (a *AsyncDecoder) ReleaseOutput(index int, render bool) error {
	a.mu.Lock()
	if index < 0 || index >= len(a.slots) || a.slots[index] == nil {
		a.mu.Unlock()
		return protocolViolation("output buffer %d is not held", index)
	}
	f := a.slots[index]
	a.slots[index] = nil
	surface := a.surface
	a.cond.Broadcast()
	a.mu.Unlock()

	if render && surface != nil {
		if err := surface.Deliver(f, f.TimestampUs); err != nil {
			return fmt.Errorf("deliver output %d: %w", index, err)
		}
	}
	return nil
}

// Flush implements DecodePipeline. Queued input and held output are
// dropped, and callbacks already in flight carry the old generation.
func (a *AsyncDecoder) Flush() error {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return ErrReleased
	}
	a.generation++
	a.running = false
	a.queue = nil
	for i := range a.slots {
		a.slots[i] = nil
	}
	a.cond.Broadcast()
	a.mu.Unlock()

	a.decodeMu.Lock()
	defer a.decodeMu.Unlock()
	return a.dec.Reset()
}

// Release implements DecodePipeline. It waits a bounded time for the
// worker; a worker stuck in the codec is abandoned.
func (a *AsyncDecoder) Release() error {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return nil
	}
	a.released = true
	a.running = false
	a.queue = nil
	launched := a.launched
	a.cond.Broadcast()
	a.mu.Unlock()

	if launched {
		select {
		case <-a.done:
		case <-time.After(a.releaseWait):
			a.log.Warn("decoder worker did not exit; leaking native decoder")
			return fmt.Errorf("%w: decoder worker did not exit within %s", ErrResourceExhausted, a.releaseWait)
		}
	}
	return a.dec.Close()
}

func (a *AsyncDecoder) freeSlot() int {
	for i, f := range a.slots {
		if f == nil {
			return i
		}
	}
	return -1
}

// ready reports whether the head input can be processed. End of stream
// needs no output slot.
func (a *AsyncDecoder) ready() bool {
	if !a.running || len(a.queue) == 0 {
		return false
	}
	return a.queue[0].flags&BufferFlagEndOfStream != 0 || a.freeSlot() >= 0
}

func (a *AsyncDecoder) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for !a.released && !a.ready() {
			a.cond.Wait()
		}
		if a.released {
			a.mu.Unlock()
			return
		}
		in := a.queue[0]
		a.queue = a.queue[1:]
		gen := a.generation
		cb := a.cb
		a.mu.Unlock()

		if in.flags&BufferFlagEndOfStream != 0 {
			if cb.OnOutputReady != nil {
				cb.OnOutputReady(OutputBuffer{
					Index:              -1,
					PresentationTimeUs: in.sample.PresentationTimeUs,
					Flags:              BufferFlagEndOfStream,
					Generation:         gen,
				})
			}
			continue
		}

		a.decodeMu.Lock()
		frame, err := a.dec.Decode(in.sample.Data, in.sample.PresentationTimeUs)
		a.decodeMu.Unlock()

		a.mu.Lock()
		if gen != a.generation || a.released {
			a.mu.Unlock()
			continue
		}
		idx := -1
		if err == nil && frame != nil {
			idx = a.freeSlot()
			frame.TimestampUs = in.sample.PresentationTimeUs
			a.slots[idx] = frame
		}
		a.mu.Unlock()

		if err != nil {
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("%w: %v", ErrDecode, err))
			}
			continue
		}
		if cb.OnInputNeeded != nil {
			cb.OnInputNeeded(gen)
		}
		if idx >= 0 && cb.OnOutputReady != nil {
			cb.OnOutputReady(OutputBuffer{
				Index:              idx,
				PresentationTimeUs: frame.TimestampUs,
				Flags:              in.flags & BufferFlagKeyFrame,
				Size:               I420Size(frame.Width, frame.Height),
				Generation:         gen,
			})
		}
	}
}
