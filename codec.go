package vidcomp

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// VideoCodec identifies the video codec of an elementary stream.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return webrtc.MimeTypeVP8
	case VideoCodecVP9:
		return webrtc.MimeTypeVP9
	case VideoCodecH264:
		return webrtc.MimeTypeH264
	case VideoCodecAV1:
		return webrtc.MimeTypeAV1
	default:
		return ""
	}
}

// FourCC returns the IVF FourCC for this codec, or "" when the codec has no
// IVF mapping.
func (c VideoCodec) FourCC() string {
	switch c {
	case VideoCodecVP8:
		return "VP80"
	case VideoCodecVP9:
		return "VP90"
	case VideoCodecAV1:
		return "AV01"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	// All video codecs use 90kHz clock
	return 90000
}

// CodecFromFourCC maps an IVF FourCC to a codec.
func CodecFromFourCC(fourcc string) VideoCodec {
	switch strings.ToUpper(fourcc) {
	case "VP80":
		return VideoCodecVP8
	case "VP90":
		return VideoCodecVP9
	case "AV01":
		return VideoCodecAV1
	default:
		return VideoCodecUnknown
	}
}

// ParseVideoCodec accepts a codec name ("vp8") or MIME type ("video/VP8").
func ParseVideoCodec(s string) VideoCodec {
	name := strings.ToUpper(strings.TrimPrefix(strings.ToLower(s), "video/"))
	switch name {
	case "VP8":
		return VideoCodecVP8
	case "VP9":
		return VideoCodecVP9
	case "H264", "AVC":
		return VideoCodecH264
	case "AV1":
		return VideoCodecAV1
	default:
		return VideoCodecUnknown
	}
}
