//go:build (darwin || linux) && !novpx

// VP8/VP9 decode and encode through libmedia_vpx, a thin primitive-only
// wrapper around libvpx loaded at runtime with purego.
//
// Library locations checked (in order):
//   - MEDIA_VPX_LIB_PATH environment variable
//   - MEDIA_SDK_LIB_PATH environment variable
//   - build/ and build/ffi/ under the module root
//   - System library paths

package vidcomp

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	vpxOnce    sync.Once
	vpxHandle  uintptr
	vpxInitErr error
)

// libmedia_vpx function pointers
var (
	vpxEncoderCreate        func(codec, width, height, fps, bitrateKbps, threads int32) uint64
	vpxEncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	vpxEncoderMaxOutputSize func(encoder uint64) int32
	vpxEncoderDestroy       func(encoder uint64)

	vpxDecoderCreate   func(codec, threads int32) uint64
	vpxDecoderDecodeV2 func(decoder uint64, data uintptr, dataLen int32, resultOut uintptr) int32
	vpxDecoderReset    func(decoder uint64) int32
	vpxDecoderDestroy  func(decoder uint64)

	vpxGetError       func() uintptr
	vpxCodecAvailable func(codec int32) int32
)

// vpxDecodeResult matches media_vpx_decode_result_t. It must be heap
// allocated for purego on arm64.
type vpxDecodeResult struct {
	YPtr     uint64
	UPtr     uint64
	VPtr     uint64
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
	Result   int32 // 1=decoded, 0=buffering, <0=error
	Reserved int32
}

// Constants from media_vpx.h
const (
	vpxCodecVP8 = 0
	vpxCodecVP9 = 1

	vpxFrameKey = 0

	vpxOK = 0
)

func loadVPX() error {
	vpxOnce.Do(func() {
		vpxInitErr = loadVPXLib()
	})
	return vpxInitErr
}

func loadVPXLib() error {
	var lastErr error
	for _, path := range nativeLibPaths("media_vpx", "MEDIA_VPX_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		vpxHandle = handle
		registerVPXSymbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: load libmedia_vpx: %v", ErrCodecUnavailable, lastErr)
	}
	return fmt.Errorf("%w: libmedia_vpx not found", ErrCodecUnavailable)
}

func registerVPXSymbols() {
	purego.RegisterLibFunc(&vpxEncoderCreate, vpxHandle, "media_vpx_encoder_create")
	purego.RegisterLibFunc(&vpxEncoderEncode, vpxHandle, "media_vpx_encoder_encode")
	purego.RegisterLibFunc(&vpxEncoderMaxOutputSize, vpxHandle, "media_vpx_encoder_max_output_size")
	purego.RegisterLibFunc(&vpxEncoderDestroy, vpxHandle, "media_vpx_encoder_destroy")

	purego.RegisterLibFunc(&vpxDecoderCreate, vpxHandle, "media_vpx_decoder_create")
	purego.RegisterLibFunc(&vpxDecoderDecodeV2, vpxHandle, "media_vpx_decoder_decode_v2")
	purego.RegisterLibFunc(&vpxDecoderReset, vpxHandle, "media_vpx_decoder_reset")
	purego.RegisterLibFunc(&vpxDecoderDestroy, vpxHandle, "media_vpx_decoder_destroy")

	purego.RegisterLibFunc(&vpxGetError, vpxHandle, "media_vpx_get_error")
	purego.RegisterLibFunc(&vpxCodecAvailable, vpxHandle, "media_vpx_codec_available")
}

func vpxError() string {
	if msg := goStringFromPtr(vpxGetError()); msg != "" {
		return msg
	}
	return "unknown error"
}

func vpxCodecType(codec VideoCodec) (int32, error) {
	switch codec {
	case VideoCodecVP8:
		return vpxCodecVP8, nil
	case VideoCodecVP9:
		return vpxCodecVP9, nil
	default:
		return 0, fmt.Errorf("%w: %s is not a VPx codec", ErrCodecUnavailable, codec)
	}
}

// IsCodecAvailable reports whether the native backend can decode and encode
// codec.
func IsCodecAvailable(codec VideoCodec) bool {
	if loadVPX() != nil {
		return false
	}
	ct, err := vpxCodecType(codec)
	if err != nil {
		return false
	}
	return vpxCodecAvailable(ct) != 0
}

// VPXDecoder is a FrameDecoder backed by libvpx.
type VPXDecoder struct {
	codec  VideoCodec
	handle uint64
	result *vpxDecodeResult
	mu     sync.Mutex
}

// NewVPXDecoder creates a decoder for VP8 or VP9.
func NewVPXDecoder(codec VideoCodec, threads int) (*VPXDecoder, error) {
	if err := loadVPX(); err != nil {
		return nil, err
	}
	ct, err := vpxCodecType(codec)
	if err != nil {
		return nil, err
	}
	if threads <= 0 {
		threads = 2
	}
	handle := vpxDecoderCreate(ct, int32(threads))
	if handle == 0 {
		return nil, fmt.Errorf("create %s decoder: %s", codec, vpxError())
	}
	return &VPXDecoder{codec: codec, handle: handle, result: &vpxDecodeResult{}}, nil
}

// Decode decodes one compressed frame into a newly allocated I420 frame.
// It returns nil while the decoder is buffering.
func (d *VPXDecoder) Decode(data []byte, ptsUs int64) (*VideoFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, ErrClosed
	}
	if len(data) == 0 {
		return nil, errors.New("empty encoded data")
	}

	out := d.result
	rc := vpxDecoderDecodeV2(d.handle, uintptr(unsafe.Pointer(&data[0])), int32(len(data)), uintptr(unsafe.Pointer(out)))
	runtime.KeepAlive(data)
	runtime.KeepAlive(out)

	if rc < 0 {
		return nil, fmt.Errorf("decode %s at %dus: %s", d.codec, ptsUs, vpxError())
	}
	if rc == 0 {
		return nil, nil
	}

	w, h := int(out.Width), int(out.Height)
	if w <= 0 || h <= 0 || out.YPtr == 0 || out.YStride <= 0 || out.UVStride <= 0 {
		return nil, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, w, h)
	}

	frame := NewI420Frame(w, h)
	frame.TimestampUs = ptsUs
	copyPlane(frame.Data[0], w, uintptr(out.YPtr), int(out.YStride), w, h)
	copyPlane(frame.Data[1], w/2, uintptr(out.UPtr), int(out.UVStride), w/2, h/2)
	copyPlane(frame.Data[2], w/2, uintptr(out.VPtr), int(out.UVStride), w/2, h/2)
	return frame, nil
}

func copyPlane(dst []byte, dstStride int, src uintptr, srcStride, w, h int) {
	for row := 0; row < h; row++ {
		line := unsafe.Slice((*byte)(unsafe.Pointer(src+uintptr(row*srcStride))), w)
		copy(dst[row*dstStride:row*dstStride+w], line)
	}
}

// Reset drops decoder state, e.g. after a seek.
func (d *VPXDecoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == 0 {
		return ErrClosed
	}
	if vpxDecoderReset(d.handle) != vpxOK {
		return fmt.Errorf("reset %s decoder: %s", d.codec, vpxError())
	}
	return nil
}

// Close destroys the native decoder. It is idempotent.
func (d *VPXDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != 0 {
		vpxDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

// VPXEncoder is a FrameEncoder backed by libvpx.
type VPXEncoder struct {
	codec  VideoCodec
	handle uint64
	buf    []byte
	mu     sync.Mutex
}

// NewVPXEncoder creates an encoder for the given output format.
func NewVPXEncoder(format TrackFormat, threads int) (*VPXEncoder, error) {
	if err := loadVPX(); err != nil {
		return nil, err
	}
	ct, err := vpxCodecType(format.Codec)
	if err != nil {
		return nil, err
	}
	if threads <= 0 {
		threads = 4
	}
	kbps := format.Bitrate / 1000
	if kbps <= 0 {
		kbps = 1000
	}
	fps := format.FrameRate
	if fps <= 0 {
		fps = 30
	}
	handle := vpxEncoderCreate(ct, int32(format.Width), int32(format.Height), int32(fps), int32(kbps), int32(threads))
	if handle == 0 {
		return nil, fmt.Errorf("create %s encoder: %s", format.Codec, vpxError())
	}
	maxOut := int(vpxEncoderMaxOutputSize(handle))
	if maxOut <= 0 {
		maxOut = I420Size(format.Width, format.Height)
	}
	return &VPXEncoder{codec: format.Codec, handle: handle, buf: make([]byte, maxOut)}, nil
}

// Encode compresses frame. The returned data is a fresh copy; it is empty
// when the encoder dropped the frame.
func (e *VPXEncoder) Encode(frame *VideoFrame, forceKeyFrame bool) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, false, ErrClosed
	}
	if frame.Format != PixelFormatI420 || len(frame.Data) < 3 {
		return nil, false, fmt.Errorf("encode: unsupported pixel format %s", frame.Format)
	}

	force := int32(0)
	if forceKeyFrame {
		force = 1
	}
	var frameType int32
	var pts int64
	n := vpxEncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		force,
		uintptr(unsafe.Pointer(&e.buf[0])),
		int32(len(e.buf)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&pts)),
	)
	runtime.KeepAlive(frame.Data)
	if n < 0 {
		return nil, false, fmt.Errorf("encode %s: %s", e.codec, vpxError())
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, frameType == vpxFrameKey, nil
}

// Close destroys the native encoder. It is idempotent.
func (e *VPXEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		vpxEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}
