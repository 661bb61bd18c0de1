package vidcomp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExportOptions() ExportOptions {
	return ExportOptions{
		OutputPath:       "out.ivf",
		Codec:            VideoCodecVP8,
		FrameRate:        10,
		Width:            32,
		Height:           16,
		Bitrate:          100_000,
		KeyFrameInterval: 10,
	}
}

// renderLog records every RenderFunc call.
type renderLog struct {
	mu     sync.Mutex
	times  []int64
	frames []map[string]int64
	failAt int64
}

func newRenderLog() *renderLog { return &renderLog{failAt: -1} }

func (r *renderLog) render(t int64, frames map[string]*CompositionFrame) (*VideoFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == r.failAt {
		return nil, errInjected
	}
	pts := make(map[string]int64, len(frames))
	for id, f := range frames {
		pts[id] = f.TimestampUs
	}
	r.times = append(r.times, t)
	r.frames = append(r.frames, pts)
	return NewI420Frame(32, 16), nil
}

// stallDecoder blocks id's decoder inside Decode for the rest of the test.
func stallDecoder(t *testing.T, be *testBackend, id string) {
	hold := make(chan struct{})
	be.stall[id] = hold
	t.Cleanup(func() { close(hold) })
}

type exportHarness struct {
	exp    *Exporter
	enc    *fakeFrameEncoder
	mux    *fakeMuxer
	be     *testBackend
	log    *renderLog
	events chan []Event
}

func newExportHarness(t *testing.T, comp *Composition, be *testBackend, cfg Config) *exportHarness {
	t.Helper()
	h := &exportHarness{
		enc:    &fakeFrameEncoder{},
		mux:    &fakeMuxer{},
		be:     be,
		log:    newRenderLog(),
		events: make(chan []Event, 1),
	}
	exp, err := NewExporter(comp, testExportOptions(), be.exportBackend(h.enc, h.mux), h.log.render, cfg)
	require.NoError(t, err)
	h.exp = exp
	go func() { h.events <- drainEvents(exp.Events()) }()
	return h
}

func (h *exportHarness) run(t *testing.T, ctx context.Context) error {
	t.Helper()
	require.NoError(t, h.exp.Start(ctx))
	done := make(chan error, 1)
	go func() { done <- h.exp.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("export did not finish")
		return nil
	}
}

func TestExportSingleItem(t *testing.T) {
	be := newTestBackend(30)
	comp := mustComposition(2_000_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 2_000_000})
	h := newExportHarness(t, comp, be, testConfig())

	require.NoError(t, h.run(t, context.Background()))

	require.Len(t, h.log.times, 20)
	for k, ts := range h.log.times {
		assert.Equal(t, FrameTimeUs(int64(k), 10), ts)
		assert.Equal(t, ts, h.log.frames[k]["a"], "frame %d shows the source frame at its own time", k)
	}

	units := h.mux.Units()
	require.Len(t, units, 20)
	for k, u := range units {
		assert.Equal(t, FrameTimeUs(int64(k), 10), u.PresentationTimeUs)
	}
	assert.True(t, units[0].KeyFrame)
	assert.True(t, units[10].KeyFrame)
	assert.False(t, units[5].KeyFrame)
	assert.Equal(t, 1, h.mux.Stops())

	frame, total := h.exp.Progress()
	assert.Equal(t, int64(20), frame)
	assert.Equal(t, int64(20), total)

	evs := <-h.events
	require.NotEmpty(t, evs)
	assert.Equal(t, EventComplete, evs[len(evs)-1].Type)
	assert.Equal(t, 1, be.source("a").Closed())
	assert.Equal(t, 0, be.sink("a").Outstanding())
}

func TestExportFollowsItemWindows(t *testing.T) {
	be := newTestBackend(30)
	h := newExportHarness(t, twoItemComposition(), be, testConfig())

	require.NoError(t, h.run(t, context.Background()))

	require.Len(t, h.log.times, 20)
	for k, ts := range h.log.times {
		pts := h.log.frames[k]
		if ts < 1_000_000 {
			assert.Equal(t, ts, pts["a"], "a at %dus", ts)
		} else {
			assert.Equal(t, ts-1_000_000+500_000, pts["b"], "b at %dus", ts)
		}
	}
}

func TestExportDecodeErrorAborts(t *testing.T) {
	be := newTestBackend(30)
	be.failAt["a"] = 500_000
	comp := mustComposition(2_000_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 2_000_000})
	h := newExportHarness(t, comp, be, testConfig())

	err := h.run(t, context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	assert.Equal(t, 1, h.mux.Stops())
	assert.Equal(t, 1, be.source("a").Closed())
	evs := <-h.events
	last := evs[len(evs)-1]
	assert.Equal(t, EventError, last.Type)
	assert.ErrorIs(t, last.Err, ErrDecode)

	frame, _ := h.exp.Progress()
	assert.Less(t, frame, int64(6))
}

func TestExportRenderErrorAborts(t *testing.T) {
	be := newTestBackend(30)
	comp := mustComposition(1_000_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 1_000_000})
	h := newExportHarness(t, comp, be, testConfig())
	h.log.failAt = 300_000

	err := h.run(t, context.Background())
	assert.ErrorIs(t, err, errInjected)
	frame, _ := h.exp.Progress()
	assert.Equal(t, int64(3), frame)
}

func TestExportCancel(t *testing.T) {
	be := newTestBackend(30)
	stallDecoder(t, be, "a")
	comp := mustComposition(1_000_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 1_000_000})
	cfg := testConfig()
	cfg.ReleaseTimeout = 50 * time.Millisecond
	h := newExportHarness(t, comp, be, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err := h.run(t, ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, h.mux.Stops())
}

func TestExportBarrierTimeout(t *testing.T) {
	be := newTestBackend(30)
	stallDecoder(t, be, "a")
	comp := mustComposition(1_000_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 1_000_000})
	cfg := testConfig()
	cfg.BarrierTimeout = 50 * time.Millisecond
	cfg.ReleaseTimeout = 50 * time.Millisecond
	h := newExportHarness(t, comp, be, cfg)

	err := h.run(t, context.Background())
	assert.ErrorIs(t, err, ErrBarrierTimeout)
	assert.Contains(t, err.Error(), "[a]")
}

func TestExportStartTwice(t *testing.T) {
	be := newTestBackend(30)
	comp := mustComposition(200_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 200_000})
	h := newExportHarness(t, comp, be, testConfig())

	require.NoError(t, h.exp.Start(context.Background()))
	assert.ErrorIs(t, h.exp.Start(context.Background()), ErrAlreadyStarted)
	assert.NoError(t, h.exp.Wait())
}

func TestExportWaitBeforeStart(t *testing.T) {
	be := newTestBackend(30)
	comp := mustComposition(200_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 200_000})
	h := newExportHarness(t, comp, be, testConfig())

	assert.ErrorIs(t, h.exp.Wait(), ErrNotPrepared)
	h.exp.Cancel()

	require.NoError(t, h.run(t, context.Background()))
	assert.Len(t, h.log.times, 2)
}

func TestExportSingleImageSink(t *testing.T) {
	cfg := testConfig()
	cfg.SinkMaxImages = 1
	be := newTestBackend(30)
	comp := mustComposition(1_000_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 1_000_000})
	h := newExportHarness(t, comp, be, cfg)

	require.NoError(t, h.run(t, context.Background()))
	require.Len(t, h.log.times, 10)
	for k, ts := range h.log.times {
		assert.Equal(t, ts, h.log.frames[k]["a"])
	}
	assert.Equal(t, 0, be.sink("a").Outstanding())
}

func TestExportInvalidOptions(t *testing.T) {
	comp := mustComposition(1_000_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 1_000_000})
	be := newTestBackend(30).exportBackend(&fakeFrameEncoder{}, &fakeMuxer{})
	render := newRenderLog().render

	opts := testExportOptions()
	opts.Width = 33
	_, err := NewExporter(comp, opts, be, render, testConfig())
	assert.ErrorIs(t, err, ErrInvalidOptions)

	opts = testExportOptions()
	opts.FrameRate = 0
	_, err = NewExporter(comp, opts, be, render, testConfig())
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewExporter(comp, testExportOptions(), be, nil, testConfig())
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewExporter(nil, testExportOptions(), be, render, testConfig())
	assert.ErrorIs(t, err, ErrInvalidComposition)
}

func TestExportShorterThanOneFrame(t *testing.T) {
	be := newTestBackend(30)
	comp := mustComposition(50_000, Item{ID: "a", SourcePath: "a.ivf", CompositionDurationUs: 50_000})
	h := newExportHarness(t, comp, be, testConfig())

	require.NoError(t, h.run(t, context.Background()))
	assert.Empty(t, h.log.times)
	assert.Empty(t, h.mux.Units())
	assert.Equal(t, 1, h.mux.Stops())

	frame, total := h.exp.Progress()
	assert.Zero(t, frame)
	assert.Zero(t, total)
	assert.Equal(t, []EventType{EventReady, EventComplete}, eventTypes(<-h.events))
}
