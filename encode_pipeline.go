package vidcomp

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// EncodePipelineOptions configures NewEncodePipeline.
type EncodePipelineOptions struct {
	// Output size. Frames of another size are scaled to fit.
	Width  int
	Height int

	// GraphicsContext is bound before every draw when set.
	GraphicsContext GraphicsContext

	DrainPollTimeout time.Duration
	DrainTimeout     time.Duration
	Logger           *logrus.Entry
}

// EncodePipelineStats counts pipeline output.
type EncodePipelineStats struct {
	FramesSubmitted uint64
	UnitsWritten    uint64
	BytesWritten    uint64
	KeyFrames       uint64
}

// EncodePipeline feeds rendered frames to an Encoder and writes the encoded
// units to a Muxer. It is not safe for concurrent use.
type EncodePipeline struct {
	enc  Encoder
	mux  Muxer
	gc   GraphicsContext
	opts EncodePipelineOptions
	log  *logrus.Entry

	scaler *VideoScaler

	track       int
	formatSeen  bool
	muxStarted  bool
	inputEnded  bool
	outputEnded bool
	finished    bool
	released    bool

	stats EncodePipelineStats
}

// NewEncodePipeline takes ownership of enc, mux and the graphics context.
func NewEncodePipeline(enc Encoder, mux Muxer, opts EncodePipelineOptions) *EncodePipeline {
	d := DefaultConfig()
	if opts.DrainPollTimeout <= 0 {
		opts.DrainPollTimeout = d.DrainPollTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = d.DrainTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &EncodePipeline{
		enc:   enc,
		mux:   mux,
		gc:    opts.GraphicsContext,
		opts:  opts,
		log:   log.WithField("component", "encode-pipeline"),
		track: -1,
	}
	if opts.Width > 0 && opts.Height > 0 {
		p.scaler = NewVideoScaler(opts.Width, opts.Height, ScaleModeFit)
	}
	return p
}

// Stats returns output counters.
func (p *EncodePipeline) Stats() EncodePipelineStats { return p.stats }

// WriteFrame draws frame into the encoder input stamped with timestampUs and
// drains whatever the encoder has ready. When isLast is set it signals end
// of input and drains until the encoder reports end of stream.
func (p *EncodePipeline) WriteFrame(timestampUs int64, frame *VideoFrame, isLast bool) error {
	if p.released || p.finished {
		return ErrReleased
	}
	if p.inputEnded {
		return protocolViolation("frame written after end of input")
	}
	if frame == nil {
		return fmt.Errorf("%w: nil frame at %dus", ErrInvalidOptions, timestampUs)
	}
	if p.gc != nil {
		if err := p.gc.MakeCurrent(); err != nil {
			return fmt.Errorf("bind graphics context: %w", err)
		}
	}

	in := frame
	if p.scaler != nil {
		in = p.scaler.Scale(frame)
	}
	stamped := *in
	stamped.TimestampUs = timestampUs
	if err := p.enc.SubmitFrame(&stamped, timestampUs); err != nil {
		return fmt.Errorf("submit frame at %dus: %w", timestampUs, err)
	}
	p.stats.FramesSubmitted++

	if isLast {
		if err := p.enc.SignalEndOfInput(); err != nil {
			return fmt.Errorf("signal end of input: %w", err)
		}
		p.inputEnded = true
		return p.drain(true)
	}
	return p.drain(false)
}

// drain moves encoder output to the muxer. Without untilEOS it stops as soon
// as the encoder has nothing ready; with it, it polls until end of stream
// or DrainTimeout.
func (p *EncodePipeline) drain(untilEOS bool) error {
	deadline := time.Now().Add(p.opts.DrainTimeout)
	timeout := time.Duration(0)
	if untilEOS {
		timeout = p.opts.DrainPollTimeout
	}
	for {
		out, err := p.enc.PollEncodedUnit(timeout)
		if err != nil {
			return fmt.Errorf("poll encoder: %w", err)
		}
		switch out.Kind {
		case EncoderOutputNone:
			if !untilEOS {
				return nil
			}
			if time.Now().After(deadline) {
				return resourceExhausted("encoder did not reach end of stream within %s", p.opts.DrainTimeout)
			}

		case EncoderOutputFormatChanged:
			if p.formatSeen {
				return protocolViolation("encoder output format changed twice")
			}
			p.formatSeen = true
			format := p.enc.OutputFormat()
			track, err := p.mux.AddTrack(format)
			if err != nil {
				return fmt.Errorf("add track: %w", err)
			}
			if err := p.mux.Start(); err != nil {
				return fmt.Errorf("start muxer: %w", err)
			}
			p.track = track
			p.muxStarted = true
			p.log.WithFields(logrus.Fields{
				"codec":  format.Codec,
				"width":  format.Width,
				"height": format.Height,
			}).Debug("muxer started")

		case EncoderOutputUnit:
			u := out.Unit
			if len(u.Data) > 0 && !u.CodecConfig {
				if !p.muxStarted {
					return protocolViolation("encoded unit at %dus before output format", u.PresentationTimeUs)
				}
				if err := p.mux.WriteUnit(p.track, u); err != nil {
					return fmt.Errorf("write unit at %dus: %w", u.PresentationTimeUs, err)
				}
				p.stats.UnitsWritten++
				p.stats.BytesWritten += uint64(len(u.Data))
				if u.KeyFrame {
					p.stats.KeyFrames++
				}
			}
			if u.EndOfStream {
				p.outputEnded = true
				return nil
			}
		}
	}
}

// Finish stops the encoder and muxer and releases everything. It is
// idempotent.
func (p *EncodePipeline) Finish() error {
	if p.finished || p.released {
		return nil
	}
	p.finished = true
	var result error
	if err := p.enc.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop encoder: %w", err))
	}
	if err := p.mux.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop muxer: %w", err))
	}
	if err := p.release(); err != nil {
		result = multierror.Append(result, err)
	}
	p.log.WithFields(logrus.Fields{
		"frames": p.stats.FramesSubmitted,
		"units":  p.stats.UnitsWritten,
		"bytes":  p.stats.BytesWritten,
	}).Debug("encode finished")
	return result
}

// Release frees every resource without waiting for pending output. It is
// idempotent and safe after Finish.
func (p *EncodePipeline) Release() error {
	if p.released {
		return nil
	}
	var result error
	if !p.finished {
		p.finished = true
		if err := p.mux.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop muxer: %w", err))
		}
	}
	if err := p.release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func (p *EncodePipeline) release() error {
	p.released = true
	var result error
	if err := p.enc.Release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release encoder: %w", err))
	}
	if p.gc != nil {
		if err := p.gc.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release graphics context: %w", err))
		}
	}
	return result
}
