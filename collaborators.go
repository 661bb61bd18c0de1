package vidcomp

import "time"

// TrackInfo describes the video track chosen by a SampleSource.
type TrackInfo struct {
	Codec      VideoCodec
	Width      int
	Height     int
	Rotation   int // degrees clockwise
	DurationUs int64
	FrameCount int
}

// Sample is one compressed access unit read from a source.
type Sample struct {
	Data               []byte
	PresentationTimeUs int64
	KeyFrame           bool
}

// SeekMode selects how a source snaps to sync points.
type SeekMode int

const (
	SeekPreviousSync SeekMode = iota // last sync point at or before the target
	SeekNextSync                     // first sync point at or after the target
)

// SampleSource reads compressed samples from a container.
type SampleSource interface {
	// Open selects the first playable video track. It fails with
	// ErrNoVideoTrack when none exists.
	Open(path string) (TrackInfo, error)

	// ReadNextSample returns the sample under the cursor and advances it.
	// It returns io.EOF when no samples remain.
	ReadNextSample() (Sample, error)

	Seek(timeUs int64, mode SeekMode) error
	Close() error
}

// BufferFlags annotate samples and decoded buffers.
type BufferFlags uint32

const (
	BufferFlagKeyFrame BufferFlags = 1 << iota
	BufferFlagEndOfStream
	BufferFlagCodecConfig
)

// OutputBuffer identifies a decoded buffer slot held by a DecodePipeline.
type OutputBuffer struct {
	Index              int
	PresentationTimeUs int64
	Flags              BufferFlags
	Size               int

	// Generation is the number of Flush calls completed when the buffer was
	// produced. Buffers from an older generation are stale.
	Generation uint64
}

// DecodeCallbacks are invoked from pipeline goroutines.
type DecodeCallbacks struct {
	// OnInputNeeded grants one input credit.
	OnInputNeeded func(generation uint64)
	OnOutputReady func(buf OutputBuffer)
	OnError       func(err error)
}

// Surface receives rendered decoder output.
type Surface interface {
	Deliver(frame *VideoFrame, timestampUs int64) error
}

// DecodePipeline is an asynchronous "submit sample / receive decoded
// buffer" decoder.
type DecodePipeline interface {
	Configure(info TrackInfo, out Surface, cb DecodeCallbacks) error
	Start() error

	// Submit consumes one input credit. A sample with BufferFlagEndOfStream
	// and no data signals end of input.
	Submit(s Sample, flags BufferFlags) error

	// ReleaseOutput returns a buffer slot, delivering its image to the
	// configured Surface when render is true.
	ReleaseOutput(index int, render bool) error

	// Flush drops all queued input and in-flight output. Start must be
	// called again to resume.
	Flush() error
	Release() error
}

// SinkFrame is an image acquired from a FrameSink.
type SinkFrame struct {
	Handle      FrameHandle
	Width       int
	Height      int
	TimestampUs int64
}

// FrameSink holds the most recent undelivered image of one item.
type FrameSink interface {
	// AcquireLatestFrame returns nil when nothing new arrived since the last
	// call. Older undelivered images may have been superseded.
	AcquireLatestFrame() (*SinkFrame, error)
	// HasFrame reports whether AcquireLatestFrame would return an image.
	HasFrame() bool
	SetOnFrameAvailable(fn func())
	Surface() Surface
	Close() error
}

// EncoderOutputKind tells what PollEncodedUnit produced.
type EncoderOutputKind int

const (
	EncoderOutputNone EncoderOutputKind = iota
	EncoderOutputFormatChanged
	EncoderOutputUnit
)

// EncodedUnit is one compressed access unit.
type EncodedUnit struct {
	Data               []byte
	PresentationTimeUs int64
	KeyFrame           bool
	CodecConfig        bool
	EndOfStream        bool
}

// EncoderOutput is the result of a poll.
type EncoderOutput struct {
	Kind EncoderOutputKind
	Unit EncodedUnit
}

// TrackFormat describes an encoded output track.
type TrackFormat struct {
	Codec     VideoCodec
	Width     int
	Height    int
	FrameRate int
	Bitrate   int
}

// Encoder is the "submit frame / receive encoded unit" collaborator.
type Encoder interface {
	SubmitFrame(frame *VideoFrame, timestampUs int64) error
	PollEncodedUnit(timeout time.Duration) (EncoderOutput, error)
	OutputFormat() TrackFormat
	SignalEndOfInput() error
	Stop() error
	Release() error
}

// Muxer writes encoded units to a container.
type Muxer interface {
	AddTrack(format TrackFormat) (int, error)
	Start() error
	WriteUnit(track int, unit EncodedUnit) error
	Stop() error
}

// GraphicsContext is bound before every draw into the encode target.
type GraphicsContext interface {
	MakeCurrent() error
	Release() error
}

// FrameDecoder decodes one compressed frame synchronously.
type FrameDecoder interface {
	// Decode returns nil when the input produced no picture.
	Decode(data []byte, ptsUs int64) (*VideoFrame, error)
	Reset() error
	Close() error
}

// FrameEncoder encodes one raw frame synchronously.
type FrameEncoder interface {
	Encode(frame *VideoFrame, forceKeyFrame bool) (data []byte, keyFrame bool, err error)
	Close() error
}

// RenderFunc composes the current per-item frames into one output image.
type RenderFunc func(timeUs int64, frames map[string]*CompositionFrame) (*VideoFrame, error)

// Backend creates the per-item collaborators of a CompositionDecoder.
type Backend struct {
	NewSource  func(item Item) (SampleSource, error)
	NewDecoder func(info TrackInfo, item Item, cfg Config) (DecodePipeline, error)
	NewSink    func(info TrackInfo, item Item, cfg Config) (FrameSink, error)
}

// ExportBackend adds the encode side used by Exporter.
type ExportBackend struct {
	Backend
	NewEncoder func(opts ExportOptions) (Encoder, error)
	NewMuxer   func(opts ExportOptions) (Muxer, error)

	// GraphicsContext is optional.
	GraphicsContext GraphicsContext
}
