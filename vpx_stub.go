//go:build !(darwin || linux) || novpx

package vidcomp

import "fmt"

// IsCodecAvailable reports whether the native backend can decode and encode
// codec. Without libmedia_vpx support nothing is available.
func IsCodecAvailable(codec VideoCodec) bool { return false }

// VPXDecoder is unavailable on this build.
type VPXDecoder struct{}

// NewVPXDecoder always fails on this build.
func NewVPXDecoder(codec VideoCodec, threads int) (*VPXDecoder, error) {
	return nil, fmt.Errorf("%w: %s decoder not built in", ErrCodecUnavailable, codec)
}

func (d *VPXDecoder) Decode(data []byte, ptsUs int64) (*VideoFrame, error) {
	return nil, ErrCodecUnavailable
}
func (d *VPXDecoder) Reset() error { return ErrCodecUnavailable }
func (d *VPXDecoder) Close() error { return nil }

// VPXEncoder is unavailable on this build.
type VPXEncoder struct{}

// NewVPXEncoder always fails on this build.
func NewVPXEncoder(format TrackFormat, threads int) (*VPXEncoder, error) {
	return nil, fmt.Errorf("%w: %s encoder not built in", ErrCodecUnavailable, format.Codec)
}

func (e *VPXEncoder) Encode(frame *VideoFrame, forceKeyFrame bool) ([]byte, bool, error) {
	return nil, false, ErrCodecUnavailable
}
func (e *VPXEncoder) Close() error { return nil }
