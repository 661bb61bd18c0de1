package vidcomp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type asyncHarness struct {
	dec     *fakeFrameDecoder
	ad      *AsyncDecoder
	sink    *LatestFrameSink
	outputs chan OutputBuffer
	errs    chan error

	mu      sync.Mutex
	credits []uint64
}

func newAsyncHarness(t *testing.T, inSlots, outSlots int) *asyncHarness {
	t.Helper()
	h := &asyncHarness{
		dec:     newFakeFrameDecoder(),
		sink:    NewLatestFrameSink(4),
		outputs: make(chan OutputBuffer, 16),
		errs:    make(chan error, 4),
	}
	h.ad = NewAsyncDecoder(h.dec, AsyncDecoderOptions{
		InputSlots:     inSlots,
		OutputSlots:    outSlots,
		ReleaseTimeout: 50 * time.Millisecond,
		Logger:         testLogger(),
	})
	require.NoError(t, h.ad.Configure(TrackInfo{Codec: VideoCodecVP8, Width: 32, Height: 16}, h.sink, DecodeCallbacks{
		OnInputNeeded: func(gen uint64) {
			h.mu.Lock()
			h.credits = append(h.credits, gen)
			h.mu.Unlock()
		},
		OnOutputReady: func(buf OutputBuffer) { h.outputs <- buf },
		OnError:       func(err error) { h.errs <- err },
	}))
	t.Cleanup(func() { _ = h.ad.Release() })
	return h
}

func (h *asyncHarness) creditCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.credits)
}

func (h *asyncHarness) next(t *testing.T) OutputBuffer {
	t.Helper()
	select {
	case buf := <-h.outputs:
		return buf
	case <-time.After(2 * time.Second):
		t.Fatal("no decoder output")
		return OutputBuffer{}
	}
}

func (h *asyncHarness) none(t *testing.T) {
	t.Helper()
	select {
	case buf := <-h.outputs:
		t.Fatalf("unexpected output %+v", buf)
	case <-time.After(50 * time.Millisecond):
	}
}

func sampleAt(pts int64) Sample {
	return Sample{Data: []byte{1}, PresentationTimeUs: pts, KeyFrame: true}
}

func TestAsyncDecoderStartRequiresConfigure(t *testing.T) {
	ad := NewAsyncDecoder(newFakeFrameDecoder(), AsyncDecoderOptions{Logger: testLogger()})
	assert.ErrorIs(t, ad.Start(), ErrNotConfigured)
	assert.ErrorIs(t, ad.Submit(sampleAt(0), 0), ErrProtocolViolation)
	require.NoError(t, ad.Release())
}

func TestAsyncDecoderDecodesAndDelivers(t *testing.T) {
	h := newAsyncHarness(t, 4, 4)
	require.NoError(t, h.ad.Start())
	assert.Equal(t, 4, h.creditCount())

	require.NoError(t, h.ad.Submit(sampleAt(0), BufferFlagKeyFrame))
	require.NoError(t, h.ad.Submit(sampleAt(33_333), 0))

	first, second := h.next(t), h.next(t)
	assert.Equal(t, int64(0), first.PresentationTimeUs)
	assert.Equal(t, BufferFlagKeyFrame, first.Flags)
	assert.Equal(t, I420Size(32, 16), first.Size)
	assert.Equal(t, int64(33_333), second.PresentationTimeUs)
	assert.NotEqual(t, first.Index, second.Index)
	assert.Eventually(t, func() bool { return h.creditCount() == 6 }, time.Second, time.Millisecond)

	require.NoError(t, h.ad.ReleaseOutput(first.Index, true))
	require.NoError(t, h.ad.ReleaseOutput(second.Index, false))
	assert.ErrorIs(t, h.ad.ReleaseOutput(first.Index, true), ErrProtocolViolation)

	sf, err := h.sink.AcquireLatestFrame()
	require.NoError(t, err)
	require.NotNil(t, sf)
	assert.Equal(t, int64(0), sf.TimestampUs)
	assert.Equal(t, uint64(1), h.sink.Stats().Delivered)
	require.NoError(t, sf.Handle.Release())
}

func TestAsyncDecoderWaitsForFreeSlot(t *testing.T) {
	h := newAsyncHarness(t, 4, 1)
	require.NoError(t, h.ad.Start())

	require.NoError(t, h.ad.Submit(sampleAt(0), 0))
	require.NoError(t, h.ad.Submit(sampleAt(100), 0))
	buf := h.next(t)
	h.none(t)

	require.NoError(t, h.ad.ReleaseOutput(buf.Index, false))
	assert.Equal(t, int64(100), h.next(t).PresentationTimeUs)
}

func TestAsyncDecoderEndOfStreamNeedsNoSlot(t *testing.T) {
	h := newAsyncHarness(t, 4, 1)
	require.NoError(t, h.ad.Start())

	require.NoError(t, h.ad.Submit(sampleAt(0), 0))
	require.NoError(t, h.ad.Submit(Sample{PresentationTimeUs: 0}, BufferFlagEndOfStream))

	h.next(t)
	eos := h.next(t)
	assert.Equal(t, -1, eos.Index)
	assert.NotZero(t, eos.Flags&BufferFlagEndOfStream)
}

func TestAsyncDecoderFlushStartsNewGeneration(t *testing.T) {
	h := newAsyncHarness(t, 2, 2)
	require.NoError(t, h.ad.Start())
	require.NoError(t, h.ad.Submit(sampleAt(0), 0))
	held := h.next(t)

	require.NoError(t, h.ad.Flush())
	assert.ErrorIs(t, h.ad.ReleaseOutput(held.Index, true), ErrProtocolViolation, "flush drops held output")
	assert.ErrorIs(t, h.ad.Submit(sampleAt(1), 0), ErrProtocolViolation, "flushed decoder is stopped")
	h.dec.mu.Lock()
	assert.Equal(t, 1, h.dec.resets)
	h.dec.mu.Unlock()

	require.NoError(t, h.ad.Start())
	h.mu.Lock()
	assert.Equal(t, uint64(1), h.credits[len(h.credits)-1])
	h.mu.Unlock()

	require.NoError(t, h.ad.Submit(sampleAt(2), 0))
	buf := h.next(t)
	assert.Equal(t, uint64(1), buf.Generation)
	assert.Equal(t, int64(2), buf.PresentationTimeUs)
}

func TestAsyncDecoderSubmitWithoutCredit(t *testing.T) {
	h := newAsyncHarness(t, 1, 4)
	h.dec.block = make(chan struct{})
	h.dec.entered = make(chan struct{}, 1)
	defer close(h.dec.block)
	require.NoError(t, h.ad.Start())

	require.NoError(t, h.ad.Submit(sampleAt(0), 0))
	<-h.dec.entered
	require.NoError(t, h.ad.Submit(sampleAt(1), 0))
	assert.ErrorIs(t, h.ad.Submit(sampleAt(2), 0), ErrProtocolViolation)
}

func TestAsyncDecoderDecodeError(t *testing.T) {
	h := newAsyncHarness(t, 4, 4)
	h.dec.failAt = 0
	require.NoError(t, h.ad.Start())
	require.NoError(t, h.ad.Submit(sampleAt(0), 0))

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrDecode)
	case <-time.After(2 * time.Second):
		t.Fatal("no decode error")
	}
	h.none(t)
}

func TestAsyncDecoderNoPicture(t *testing.T) {
	h := newAsyncHarness(t, 2, 2)
	h.dec.noImage = true
	require.NoError(t, h.ad.Start())
	require.NoError(t, h.ad.Submit(sampleAt(0), 0))

	assert.Eventually(t, func() bool { return h.creditCount() == 3 }, time.Second, time.Millisecond)
	h.none(t)
}

func TestAsyncDecoderRelease(t *testing.T) {
	h := newAsyncHarness(t, 2, 2)
	require.NoError(t, h.ad.Start())

	require.NoError(t, h.ad.Release())
	require.NoError(t, h.ad.Release())
	assert.Equal(t, 1, h.dec.closed)
	assert.ErrorIs(t, h.ad.Submit(sampleAt(0), 0), ErrReleased)
	assert.ErrorIs(t, h.ad.Start(), ErrReleased)
}

func TestAsyncDecoderReleaseAbandonsStuckWorker(t *testing.T) {
	h := newAsyncHarness(t, 2, 2)
	block := make(chan struct{})
	h.dec.block = block
	h.dec.entered = make(chan struct{}, 1)
	defer close(block)
	require.NoError(t, h.ad.Start())
	require.NoError(t, h.ad.Submit(sampleAt(0), 0))
	<-h.dec.entered

	err := h.ad.Release()
	assert.ErrorIs(t, err, ErrResourceExhausted)
	h.dec.mu.Lock()
	assert.Zero(t, h.dec.closed, "a decoder still in use is not closed")
	h.dec.mu.Unlock()
}
