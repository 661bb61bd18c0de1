package vidcomp

import (
	"sync"
	"time"
)

// AsyncEncoder adapts a synchronous FrameEncoder to the polling Encoder
// contract. The output format is reported once before the first unit.
type AsyncEncoder struct {
	enc    FrameEncoder
	format TrackFormat
	gop    int

	mu         sync.Mutex
	ready      *sync.Cond
	pending    []EncoderOutput
	formatSent bool
	inputEnded bool
	eosQueued  bool
	stopped    bool
	released   bool
	frames     int
	lastPtsUs  int64
}

// NewAsyncEncoder wraps enc producing format. keyFrameInterval forces a key
// frame every that many frames; zero leaves the choice to the codec.
func NewAsyncEncoder(enc FrameEncoder, format TrackFormat, keyFrameInterval int) *AsyncEncoder {
	e := &AsyncEncoder{enc: enc, format: format, gop: keyFrameInterval}
	e.ready = sync.NewCond(&e.mu)
	return e
}

// SubmitFrame encodes frame immediately and queues the result. The frame
// is not retained.
func (e *AsyncEncoder) SubmitFrame(frame *VideoFrame, timestampUs int64) error {
	e.mu.Lock()
	if e.released || e.stopped {
		e.mu.Unlock()
		return ErrReleased
	}
	if e.inputEnded {
		e.mu.Unlock()
		return protocolViolation("frame submitted after end of input")
	}
	force := e.frames == 0 || (e.gop > 0 && e.frames%e.gop == 0)
	e.frames++
	e.mu.Unlock()

	data, key, err := e.enc.Encode(frame, force)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.formatSent {
		e.formatSent = true
		e.pending = append(e.pending, EncoderOutput{Kind: EncoderOutputFormatChanged})
	}
	if len(data) > 0 {
		e.pending = append(e.pending, EncoderOutput{
			Kind: EncoderOutputUnit,
			Unit: EncodedUnit{Data: data, PresentationTimeUs: timestampUs, KeyFrame: key},
		})
	}
	e.lastPtsUs = timestampUs
	e.ready.Broadcast()
	return nil
}

// PollEncodedUnit returns the next queued output, waiting up to timeout.
func (e *AsyncEncoder) PollEncodedUnit(timeout time.Duration) (EncoderOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return EncoderOutput{}, ErrReleased
	}
	if len(e.pending) == 0 && timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			e.mu.Lock()
			e.ready.Broadcast()
			e.mu.Unlock()
		})
		e.ready.Wait()
		t.Stop()
	}
	if len(e.pending) == 0 {
		return EncoderOutput{Kind: EncoderOutputNone}, nil
	}
	out := e.pending[0]
	e.pending = e.pending[1:]
	return out, nil
}

// OutputFormat implements Encoder.
func (e *AsyncEncoder) OutputFormat() TrackFormat { return e.format }

// SignalEndOfInput queues the end-of-stream unit behind pending output.
func (e *AsyncEncoder) SignalEndOfInput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	e.inputEnded = true
	if !e.eosQueued {
		e.eosQueued = true
		e.pending = append(e.pending, EncoderOutput{
			Kind: EncoderOutputUnit,
			Unit: EncodedUnit{PresentationTimeUs: e.lastPtsUs, EndOfStream: true},
		})
		e.ready.Broadcast()
	}
	return nil
}

// Stop implements Encoder.
func (e *AsyncEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}

// Release implements Encoder. It is idempotent.
func (e *AsyncEncoder) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.pending = nil
	e.ready.Broadcast()
	e.mu.Unlock()
	return e.enc.Close()
}
