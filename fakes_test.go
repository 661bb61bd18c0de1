package vidcomp

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = testLogger().Logger
	cfg.BarrierTimeout = 5 * time.Second
	return cfg
}

// fakeSource serves synthetic samples at a fixed frame rate with a key
// frame every gop samples.
type fakeSource struct {
	mu      sync.Mutex
	info    TrackInfo
	samples []Sample
	pos     int
	openErr error
	seeks   []int64
	closed  int
}

func newFakeSource(fps int, durationUs int64, gop int) *fakeSource {
	n := FrameCount(fps, durationUs)
	s := &fakeSource{info: TrackInfo{
		Codec:      VideoCodecVP8,
		Width:      32,
		Height:     16,
		DurationUs: durationUs,
		FrameCount: int(n),
	}}
	for k := int64(0); k < n; k++ {
		s.samples = append(s.samples, Sample{
			Data:               []byte{byte(k), byte(k >> 8)},
			PresentationTimeUs: FrameTimeUs(k, fps),
			KeyFrame:           gop <= 1 || k%int64(gop) == 0,
		})
	}
	return s
}

func (s *fakeSource) Open(string) (TrackInfo, error) {
	if s.openErr != nil {
		return TrackInfo{}, s.openErr
	}
	return s.info, nil
}

func (s *fakeSource) ReadNextSample() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.samples) {
		return Sample{}, io.EOF
	}
	smp := s.samples[s.pos]
	s.pos++
	return smp, nil
}

func (s *fakeSource) Seek(timeUs int64, mode SeekMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks = append(s.seeks, timeUs)
	s.pos = 0
	for i, smp := range s.samples {
		if smp.PresentationTimeUs > timeUs {
			break
		}
		if smp.KeyFrame {
			s.pos = i
		}
	}
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Seeks() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.seeks...)
}

func (s *fakeSource) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type submitted struct {
	sample Sample
	flags  BufferFlags
}

type releasedOutput struct {
	index  int
	render bool
}

// manualPipeline records calls; tests drive the callbacks by hand.
type manualPipeline struct {
	cb        DecodeCallbacks
	surface   Surface
	submits   []submitted
	releases  []releasedOutput
	starts    int
	flushes   int
	released  int
	submitErr error
}

func (p *manualPipeline) Configure(_ TrackInfo, out Surface, cb DecodeCallbacks) error {
	p.surface, p.cb = out, cb
	return nil
}

func (p *manualPipeline) Start() error { p.starts++; return nil }

func (p *manualPipeline) Submit(s Sample, flags BufferFlags) error {
	if p.submitErr != nil {
		return p.submitErr
	}
	p.submits = append(p.submits, submitted{s, flags})
	return nil
}

func (p *manualPipeline) ReleaseOutput(index int, render bool) error {
	p.releases = append(p.releases, releasedOutput{index, render})
	return nil
}

func (p *manualPipeline) Flush() error   { p.flushes++; return nil }
func (p *manualPipeline) Release() error { p.released++; return nil }

func (p *manualPipeline) discarded() int {
	n := 0
	for _, r := range p.releases {
		if !r.render {
			n++
		}
	}
	return n
}

// recordingListener captures ItemListener calls.
type recordingListener struct {
	frames []int64
	ended  int
	errs   []error
}

func (l *recordingListener) FrameAvailable(_ string, pts int64) { l.frames = append(l.frames, pts) }
func (l *recordingListener) ItemEnded(string)                   { l.ended++ }
func (l *recordingListener) ItemFailed(_ string, err error)     { l.errs = append(l.errs, err) }

var errInjected = errors.New("injected failure")

// fakeFrameDecoder turns every sample into a small I420 picture.
type fakeFrameDecoder struct {
	mu      sync.Mutex
	failAt  int64 // pts that fails to decode; negative disables
	noImage bool
	block   chan struct{}
	entered chan struct{}
	resets  int
	closed  int
}

func newFakeFrameDecoder() *fakeFrameDecoder { return &fakeFrameDecoder{failAt: -1} }

func (d *fakeFrameDecoder) Decode(data []byte, ptsUs int64) (*VideoFrame, error) {
	if d.entered != nil {
		select {
		case d.entered <- struct{}{}:
		default:
		}
	}
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt >= 0 && ptsUs == d.failAt {
		return nil, errInjected
	}
	if d.noImage {
		return nil, nil
	}
	f := NewI420Frame(32, 16)
	f.TimestampUs = ptsUs
	return f, nil
}

func (d *fakeFrameDecoder) Reset() error {
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
	return nil
}

func (d *fakeFrameDecoder) Close() error {
	d.mu.Lock()
	d.closed++
	d.mu.Unlock()
	return nil
}

// testBackend builds fake sources and real AsyncDecoders and sinks.
type testBackend struct {
	mu         sync.Mutex
	fps        int
	gop        int
	durations  map[string]int64 // source length per item
	failAt     map[string]int64
	stall      map[string]chan struct{} // decoders block until closed
	openErr    map[string]error
	sources    map[string]*fakeSource
	decoders   map[string]*fakeFrameDecoder
	sinks      map[string]*LatestFrameSink
	sourceOpen int
}

func newTestBackend(fps int) *testBackend {
	return &testBackend{
		fps:       fps,
		gop:       fps,
		durations: map[string]int64{},
		failAt:    map[string]int64{},
		stall:     map[string]chan struct{}{},
		openErr:   map[string]error{},
		sources:   map[string]*fakeSource{},
		decoders:  map[string]*fakeFrameDecoder{},
		sinks:     map[string]*LatestFrameSink{},
	}
}

func (b *testBackend) sourcesAndSinks() Backend {
	return Backend{
		NewSource: func(it Item) (SampleSource, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			d, ok := b.durations[it.ID]
			if !ok {
				d = it.StartTimeUs + it.CompositionDurationUs + time.Second.Microseconds()
			}
			src := newFakeSource(b.fps, d, b.gop)
			src.openErr = b.openErr[it.ID]
			b.sources[it.ID] = src
			b.sourceOpen++
			return src, nil
		},
		NewSink: func(_ TrackInfo, it Item, cfg Config) (FrameSink, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			sink := NewLatestFrameSink(cfg.SinkMaxImages)
			sink.SetMaxSize(it.Width, it.Height)
			b.sinks[it.ID] = sink
			return sink, nil
		},
	}
}

// backend adds AsyncDecoders over fakeFrameDecoders.
func (b *testBackend) backend() Backend {
	be := b.sourcesAndSinks()
	be.NewDecoder = func(_ TrackInfo, it Item, cfg Config) (DecodePipeline, error) {
		b.mu.Lock()
		id := it.ID
		dec := newFakeFrameDecoder()
		if at, ok := b.failAt[id]; ok {
			dec.failAt = at
		}
		dec.block = b.stall[id]
		b.decoders[id] = dec
		b.mu.Unlock()
		return NewAsyncDecoder(dec, AsyncDecoderOptions{
			InputSlots:     cfg.DecoderInputSlots,
			OutputSlots:    cfg.DecoderOutputSlots,
			ReleaseTimeout: cfg.ReleaseTimeout,
			Logger:         testLogger(),
		}), nil
	}
	return be
}

func (b *testBackend) source(id string) *fakeSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sources[id]
}

func (b *testBackend) decoder(id string) *fakeFrameDecoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decoders[id]
}

func (b *testBackend) sink(id string) *LatestFrameSink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinks[id]
}

// fakeFrameEncoder emits a two-byte unit per frame.
type fakeFrameEncoder struct {
	mu      sync.Mutex
	frames  []*VideoFrame
	forced  []bool
	failErr error
	closed  int
}

func (e *fakeFrameEncoder) Encode(frame *VideoFrame, force bool) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failErr != nil {
		return nil, false, e.failErr
	}
	e.frames = append(e.frames, frame.Clone())
	e.forced = append(e.forced, force)
	return []byte{0xAB, byte(len(e.frames))}, force, nil
}

func (e *fakeFrameEncoder) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

// fakeMuxer records everything written to it.
type fakeMuxer struct {
	mu       sync.Mutex
	tracks   []TrackFormat
	starts   int
	stops    int
	units    []EncodedUnit
	writeErr error
}

func (m *fakeMuxer) AddTrack(f TrackFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, f)
	return len(m.tracks) - 1, nil
}

func (m *fakeMuxer) Start() error {
	m.mu.Lock()
	m.starts++
	m.mu.Unlock()
	return nil
}

func (m *fakeMuxer) WriteUnit(_ int, u EncodedUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.units = append(m.units, u)
	return nil
}

func (m *fakeMuxer) Stop() error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	return nil
}

func (m *fakeMuxer) Units() []EncodedUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EncodedUnit(nil), m.units...)
}

func (m *fakeMuxer) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// testExportBackend adds an AsyncEncoder over fakeFrameEncoder and a
// fakeMuxer.
func (b *testBackend) exportBackend(enc *fakeFrameEncoder, mux *fakeMuxer) ExportBackend {
	return ExportBackend{
		Backend: b.backend(),
		NewEncoder: func(opts ExportOptions) (Encoder, error) {
			return NewAsyncEncoder(enc, opts.Format(), opts.KeyFrameInterval), nil
		},
		NewMuxer: func(ExportOptions) (Muxer, error) { return mux, nil },
	}
}

func mustComposition(durationUs int64, items ...Item) *Composition {
	c, err := NewComposition(durationUs, items)
	if err != nil {
		panic(err)
	}
	return c
}

func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
