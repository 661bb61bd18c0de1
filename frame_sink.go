package vidcomp

import "sync"

// LatestFrameSink is a single-slot mailbox: each delivered image replaces
// the one not yet acquired. At most maxImages acquired images may be
// outstanding at once.
type LatestFrameSink struct {
	mu          sync.Mutex
	latest      *VideoFrame
	outstanding int
	maxImages   int
	onAvailable func()
	closed      bool

	// optional downscale bound
	maxWidth  int
	maxHeight int

	stats SinkStats
}

// SinkStats counts sink traffic.
type SinkStats struct {
	Delivered  uint64
	Acquired   uint64
	Superseded uint64
}

// NewLatestFrameSink creates a sink allowing maxImages outstanding images.
func NewLatestFrameSink(maxImages int) *LatestFrameSink {
	if maxImages <= 0 {
		maxImages = DefaultConfig().SinkMaxImages
	}
	return &LatestFrameSink{maxImages: maxImages}
}

// SetMaxSize makes Deliver downscale larger images to fit width x height,
// keeping their aspect ratio. Zero disables scaling.
func (s *LatestFrameSink) SetMaxSize(width, height int) {
	s.mu.Lock()
	s.maxWidth, s.maxHeight = width, height
	s.mu.Unlock()
}

// Surface returns the sink's delivery side.
func (s *LatestFrameSink) Surface() Surface { return s }

// Deliver stores frame, superseding any image not yet acquired. The sink
// takes ownership of frame.
func (s *LatestFrameSink) Deliver(frame *VideoFrame, timestampUs int64) error {
	s.mu.Lock()
	maxW, maxH := s.maxWidth, s.maxHeight
	s.mu.Unlock()
	if maxW > 0 && maxH > 0 && (frame.Width > maxW || frame.Height > maxH) {
		w, h := CalculateScaledSize(frame.Width, frame.Height, maxW, maxH, ScaleModeFit)
		frame = ScaleFrame(frame, w, h, ScaleModeStretch)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.latest != nil {
		s.stats.Superseded++
	}
	frame.TimestampUs = timestampUs
	s.latest = frame
	s.stats.Delivered++
	cb := s.onAvailable
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// SetOnFrameAvailable installs fn, called after every delivery on the
// delivering goroutine.
func (s *LatestFrameSink) SetOnFrameAvailable(fn func()) {
	s.mu.Lock()
	s.onAvailable = fn
	s.mu.Unlock()
}

// AcquireLatestFrame hands out the newest undelivered image, or nil.
func (s *LatestFrameSink) AcquireLatestFrame() (*SinkFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.latest == nil {
		return nil, nil
	}
	if s.outstanding >= s.maxImages {
		return nil, resourceExhausted("%d images already acquired", s.outstanding)
	}
	f := s.latest
	s.latest = nil
	s.outstanding++
	s.stats.Acquired++
	h := newImageHandle(f, func() {
		s.mu.Lock()
		s.outstanding--
		s.mu.Unlock()
	})
	return &SinkFrame{
		Handle:      h,
		Width:       f.Width,
		Height:      f.Height,
		TimestampUs: f.TimestampUs,
	}, nil
}

// HasFrame implements FrameSink.
func (s *LatestFrameSink) HasFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.latest != nil
}

// Outstanding returns the number of acquired, unreleased images.
func (s *LatestFrameSink) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Stats returns a snapshot of the counters.
func (s *LatestFrameSink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close drops the undelivered image. Outstanding handles stay valid.
func (s *LatestFrameSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.latest = nil
	s.onAvailable = nil
	return nil
}
