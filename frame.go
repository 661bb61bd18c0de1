// Frame types shared by the decode, composition and encode paths.
package vidcomp

import "sync/atomic"

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420 PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                    // YUV 4:2:0 semi-planar (Y + interleaved UV)
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	default:
		return 0
	}
}

// VideoFrame represents a raw video frame.
// The Data slices may point to decoder-owned memory; use Clone to keep a
// frame beyond the call that produced it.
type VideoFrame struct {
	Data        [][]byte    // Plane data
	Stride      []int       // Stride for each plane in bytes
	Width       int         // Frame width in pixels
	Height      int         // Frame height in pixels
	Format      PixelFormat // Pixel format
	TimestampUs int64       // Presentation timestamp in microseconds
}

// NewI420Frame allocates a zeroed I420 frame.
func NewI420Frame(width, height int) *VideoFrame {
	uvW, uvH := width/2, height/2
	return &VideoFrame{
		Data: [][]byte{
			make([]byte, width*height),
			make([]byte, uvW*uvH),
			make([]byte, uvW*uvH),
		},
		Stride: []int{width, uvW, uvW},
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
	}
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:        make([][]byte, len(f.Data)),
		Stride:      make([]int, len(f.Stride)),
		Width:       f.Width,
		Height:      f.Height,
		Format:      f.Format,
		TimestampUs: f.TimestampUs,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}

// FrameHandle is an opaque reference to image storage owned by a sink.
// Release must be called exactly once.
type FrameHandle interface {
	Release() error
}

// PixelHandle is implemented by handles backed by CPU-visible pixels.
type PixelHandle interface {
	FrameHandle
	VideoFrame() *VideoFrame
}

// CompositionFrame is the decoded image for one item at one instant.
// The CompositionDecoder owns it; callers must not release it.
type CompositionFrame struct {
	Width       int
	Height      int
	Rotation    int
	Handle      FrameHandle
	TimestampUs int64
}

// Pixels returns the CPU-visible image, if the handle exposes one.
func (f *CompositionFrame) Pixels() (*VideoFrame, bool) {
	if f == nil || f.Handle == nil {
		return nil, false
	}
	ph, ok := f.Handle.(PixelHandle)
	if !ok {
		return nil, false
	}
	return ph.VideoFrame(), true
}

// imageHandle is the FrameHandle produced by LatestFrameSink.
type imageHandle struct {
	frame    *VideoFrame
	released atomic.Bool
	onFree   func()
}

func newImageHandle(frame *VideoFrame, onFree func()) *imageHandle {
	return &imageHandle{frame: frame, onFree: onFree}
}

func (h *imageHandle) VideoFrame() *VideoFrame { return h.frame }

func (h *imageHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return protocolViolation("image handle released twice")
	}
	h.frame = nil
	if h.onFree != nil {
		h.onFree()
	}
	return nil
}
