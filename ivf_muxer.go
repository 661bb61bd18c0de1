package vidcomp

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
)

const (
	muxerMTU         = 1200
	muxerPayloadType = 96
)

// IVFMuxer writes a single VP8 or VP9 track to an IVF file with a 1/fps
// timebase. Units are packetized to RTP and handed to pion's IVF writer,
// which reassembles frames.
type IVFMuxer struct {
	path string
	out  io.WriteCloser

	format    TrackFormat
	fps       int
	hasTrack  bool
	started   bool
	stopped   bool
	writer    *ivfwriter.IVFWriter
	payloader rtp.Payloader
	sequencer rtp.Sequencer
	ssrc      uint32
	units     int
}

// NewIVFMuxer creates a muxer writing to path. The file is created on Start.
func NewIVFMuxer(path string) *IVFMuxer {
	return &IVFMuxer{path: path}
}

// newIVFMuxerTo writes to an already open destination.
func newIVFMuxerTo(out io.WriteCloser) *IVFMuxer {
	return &IVFMuxer{out: out}
}

// AddTrack implements Muxer. Only one video track is supported.
func (m *IVFMuxer) AddTrack(format TrackFormat) (int, error) {
	if m.started {
		return 0, protocolViolation("track added after muxer start")
	}
	if m.hasTrack {
		return 0, fmt.Errorf("%w: IVF holds a single track", ErrInvalidOptions)
	}
	switch format.Codec {
	case VideoCodecVP8:
		m.payloader = &codecs.VP8Payloader{}
	case VideoCodecVP9:
		m.payloader = &codecs.VP9Payloader{}
	default:
		return 0, fmt.Errorf("%w: IVF muxer cannot carry %s", ErrInvalidOptions, format.Codec)
	}
	m.format = format
	m.hasTrack = true
	return 0, nil
}

// Start implements Muxer.
func (m *IVFMuxer) Start() error {
	if !m.hasTrack {
		return protocolViolation("muxer started without a track")
	}
	if m.started {
		return protocolViolation("muxer started twice")
	}
	if m.out == nil {
		f, err := os.Create(m.path)
		if err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrSource, m.path, err)
		}
		m.out = f
	}
	m.fps = m.format.FrameRate
	if m.fps <= 0 {
		m.fps = DefaultExportOptions().FrameRate
	}
	w, err := ivfwriter.NewWith(m.out,
		ivfwriter.WithCodec(m.format.Codec.MimeType()),
		ivfwriter.WithWidthAndHeight(uint16(m.format.Width), uint16(m.format.Height)),
		ivfwriter.WithFrameRate(1, uint32(m.fps)),
	)
	if err != nil {
		return fmt.Errorf("ivf writer: %w", err)
	}
	m.writer = w
	m.sequencer = rtp.NewRandomSequencer()
	m.ssrc = rand.Uint32()
	m.started = true
	return nil
}

// WriteUnit implements Muxer.
func (m *IVFMuxer) WriteUnit(track int, unit EncodedUnit) error {
	if !m.started || m.stopped {
		return protocolViolation("write to a muxer that is not running")
	}
	if track != 0 {
		return protocolViolation("unknown track %d", track)
	}
	if len(unit.Data) == 0 {
		return nil
	}
	payloads := m.payloader.Payload(muxerMTU-12, unit.Data)
	// The writer stores elapsed RTP milliseconds * num / den as the frame
	// pts. Stamping index*fps milliseconds makes that the frame index in the
	// 1/fps timebase.
	fps := int64(m.fps)
	index := (unit.PresentationTimeUs*fps + 500_000) / 1_000_000
	ts := uint32(index * fps * int64(m.format.Codec.ClockRate()) / 1000)
	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    muxerPayloadType,
				SequenceNumber: m.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           m.ssrc,
			},
			Payload: payload,
		}
		if err := m.writer.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write unit at %dus: %w", unit.PresentationTimeUs, err)
		}
	}
	m.units++
	return nil
}

// Units returns the number of units written.
func (m *IVFMuxer) Units() int { return m.units }

// Stop implements Muxer. It finalizes the file header and is idempotent.
func (m *IVFMuxer) Stop() error {
	if m.stopped {
		return nil
	}
	m.stopped = true
	if m.writer == nil {
		if m.out != nil {
			return m.out.Close()
		}
		return nil
	}
	// the writer closes the destination
	return m.writer.Close()
}
