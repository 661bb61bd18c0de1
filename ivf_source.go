package vidcomp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// IVFSource is a SampleSource over IVF files (VP8, VP9, AV1). Open scans the
// file once to index timestamps and key frames so seeks can snap to sync
// points.
type IVFSource struct {
	file   *os.File
	reader *ivfreader.IVFReader
	header *ivfreader.IVFFileHeader
	info   TrackInfo

	index []ivfFrame
	pos   int // index of the next frame ReadNextSample returns
}

type ivfFrame struct {
	ptsUs int64
	key   bool
}

// NewIVFSource returns an unopened source.
func NewIVFSource() *IVFSource { return &IVFSource{} }

// Open implements SampleSource.
func (s *IVFSource) Open(path string) (TrackInfo, error) {
	if s.file != nil {
		return TrackInfo{}, fmt.Errorf("%w: source already open", ErrProtocolViolation)
	}
	f, err := os.Open(path)
	if err != nil {
		return TrackInfo{}, fmt.Errorf("%w: %v", ErrSource, err)
	}
	s.file = f
	if err := s.rewind(); err != nil {
		s.Close()
		return TrackInfo{}, err
	}

	if s.header.TimebaseDenominator == 0 || s.header.TimebaseNumerator == 0 {
		s.Close()
		return TrackInfo{}, fmt.Errorf("%w: invalid IVF timebase %d/%d", ErrSource,
			s.header.TimebaseNumerator, s.header.TimebaseDenominator)
	}
	codec := CodecFromFourCC(s.header.FourCC)
	if codec == VideoCodecUnknown {
		codec = s.sniffCodec()
	}
	if codec == VideoCodecUnknown || codec.FourCC() == "" {
		s.Close()
		return TrackInfo{}, fmt.Errorf("%w: %w: fourcc %q", ErrSource, ErrNoVideoTrack, s.header.FourCC)
	}

	for {
		data, fh, err := s.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.Close()
			return TrackInfo{}, fmt.Errorf("%w: index %s: %v", ErrSource, path, err)
		}
		s.index = append(s.index, ivfFrame{
			ptsUs: s.toUs(s.storedPts(fh.Timestamp)),
			key:   IsKeyFrame(codec, data),
		})
	}
	if len(s.index) == 0 {
		s.Close()
		return TrackInfo{}, fmt.Errorf("%w: %w: %s has no frames", ErrSource, ErrNoVideoTrack, path)
	}
	if err := s.rewind(); err != nil {
		s.Close()
		return TrackInfo{}, err
	}

	s.info = TrackInfo{
		Codec:      codec,
		Width:      int(s.header.Width),
		Height:     int(s.header.Height),
		FrameCount: len(s.index),
		DurationUs: s.durationUs(),
	}
	return s.info, nil
}

func (s *IVFSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrSource, err)
	}
	r, h, err := ivfreader.NewWith(s.file)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSource, err)
	}
	s.reader, s.header, s.pos = r, h, 0
	return nil
}

// sniffCodec inspects the first frame when the FourCC is unrecognised and
// leaves the reader rewound.
func (s *IVFSource) sniffCodec() VideoCodec {
	data, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return VideoCodecUnknown
	}
	if err := s.rewind(); err != nil {
		return VideoCodecUnknown
	}
	return DetectVideoCodec(data)
}

// storedPts undoes ivfreader's pts*den/num rescale and returns the pts as
// stored in the frame header. Rounding up is exact whenever num <= den.
func (s *IVFSource) storedPts(ts uint64) uint64 {
	num := uint64(s.header.TimebaseNumerator)
	den := uint64(s.header.TimebaseDenominator)
	return (ts*num + den - 1) / den
}

// toUs converts a stored pts in num/den second units to microseconds.
func (s *IVFSource) toUs(pts uint64) int64 {
	num := uint64(s.header.TimebaseNumerator)
	den := uint64(s.header.TimebaseDenominator)
	return int64(pts * 1_000_000 * num / den)
}

func (s *IVFSource) durationUs() int64 {
	n := len(s.index)
	last := s.index[n-1].ptsUs
	if n == 1 {
		return last + s.toUs(1)
	}
	return last + (last-s.index[0].ptsUs)/int64(n-1)
}

// ReadNextSample implements SampleSource.
func (s *IVFSource) ReadNextSample() (Sample, error) {
	if s.reader == nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrSource, ErrNotPrepared)
	}
	if s.pos >= len(s.index) {
		return Sample{}, io.EOF
	}
	data, fh, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		return Sample{}, io.EOF
	}
	if err != nil {
		return Sample{}, fmt.Errorf("%w: read frame %d: %v", ErrSource, s.pos, err)
	}
	key := s.index[s.pos].key
	s.pos++
	return Sample{Data: data, PresentationTimeUs: s.toUs(s.storedPts(fh.Timestamp)), KeyFrame: key}, nil
}

// Seek implements SampleSource by rewinding and skipping to the chosen
// sync point.
func (s *IVFSource) Seek(timeUs int64, mode SeekMode) error {
	if s.reader == nil {
		return fmt.Errorf("%w: %w", ErrSource, ErrNotPrepared)
	}
	target := s.syncPoint(timeUs, mode)
	if target < s.pos {
		if err := s.rewind(); err != nil {
			return err
		}
	}
	for s.pos < target {
		if _, _, err := s.reader.ParseNextFrame(); err != nil {
			return fmt.Errorf("%w: seek to %dus: %v", ErrSource, timeUs, err)
		}
		s.pos++
	}
	return nil
}

// syncPoint returns the index of the key frame to resume from.
func (s *IVFSource) syncPoint(timeUs int64, mode SeekMode) int {
	// first frame with pts > timeUs
	after := sort.Search(len(s.index), func(i int) bool { return s.index[i].ptsUs > timeUs })
	switch mode {
	case SeekNextSync:
		for i := after - 1; i >= 0 && s.index[i].ptsUs == timeUs; i-- {
			after = i
		}
		for i := after; i < len(s.index); i++ {
			if s.index[i].key {
				return i
			}
		}
		return len(s.index)
	default:
		for i := after - 1; i >= 0; i-- {
			if s.index[i].key {
				return i
			}
		}
		return 0
	}
}

// Close implements SampleSource. It is idempotent.
func (s *IVFSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.reader = nil, nil
	return err
}
