package vidcomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ivfHeaderBytes(fourcc string) []byte {
	h := make([]byte, 32)
	copy(h, "DKIF")
	h[6] = 32
	copy(h[8:], fourcc)
	return h
}

func TestDetectVideoCodec(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want VideoCodec
	}{
		{"h264 4-byte start code sps", []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1e}, VideoCodecH264},
		{"h264 3-byte start code slice", []byte{0x00, 0x00, 0x01, 0x41, 0x00, 0x00}, VideoCodecH264},
		{"vp8 key frame", []byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0x40, 0x00, 0x30, 0x00}, VideoCodecVP8},
		{"vp8 tag of zeroes", []byte{0x00, 0x00, 0x00, 0x9D, 0x01, 0x2A, 0x00, 0x00, 0x00, 0x00}, VideoCodecVP8},
		{"vp9 frame marker", []byte{0x82, 0x49, 0x83, 0x00}, VideoCodecVP9},
		{"av1 sequence header", []byte{0x0A, 0x0B, 0x00, 0x00}, VideoCodecAV1},
		{"av1 temporal delimiter", []byte{0x12, 0x00, 0x0A, 0x00}, VideoCodecAV1},
		{"ivf vp8", ivfHeaderBytes("VP80"), VideoCodecVP8},
		{"ivf vp9", ivfHeaderBytes("VP90"), VideoCodecVP9},
		{"ivf av1", ivfHeaderBytes("AV01"), VideoCodecAV1},
		{"ivf unknown fourcc", ivfHeaderBytes("XVID"), VideoCodecUnknown},
		{"vp8 inter frame", []byte{0x01, 0x02, 0x03, 0x04, 0x05}, VideoCodecUnknown},
		{"too short", []byte{0x00, 0x00, 0x01}, VideoCodecUnknown},
		{"empty", nil, VideoCodecUnknown},
		{"noise", []byte{0xFF, 0xFF, 0xFF, 0xFF}, VideoCodecUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectVideoCodec(tt.data))
		})
	}
}

func TestIsKeyFrame(t *testing.T) {
	tests := []struct {
		name  string
		codec VideoCodec
		data  []byte
		want  bool
	}{
		{"vp8 key", VideoCodecVP8, []byte{0x10, 0x02, 0x00}, true},
		{"vp8 inter", VideoCodecVP8, []byte{0x31, 0x02, 0x00}, false},
		{"vp9 key profile 0", VideoCodecVP9, []byte{0x82, 0x49, 0x83}, true},
		{"vp9 inter", VideoCodecVP9, []byte{0x86, 0x00, 0x00}, false},
		{"vp9 show existing frame", VideoCodecVP9, []byte{0x88, 0x00}, false},
		{"vp9 key profile 3", VideoCodecVP9, []byte{0xB0, 0x00}, true},
		{"vp9 bad marker", VideoCodecVP9, []byte{0x42, 0x00}, false},
		{"av1 sequence header first", VideoCodecAV1, []byte{0x0A, 0x00, 0x32, 0x01, 0x00}, true},
		{"av1 sequence header after delimiter", VideoCodecAV1, []byte{0x12, 0x00, 0x0A, 0x01, 0x00}, true},
		{"av1 frame only", VideoCodecAV1, []byte{0x12, 0x00, 0x32, 0x02, 0x00, 0x00}, false},
		{"av1 obu without size", VideoCodecAV1, []byte{0x30, 0x0A, 0x00}, false},
		{"av1 truncated size", VideoCodecAV1, []byte{0x12, 0x80}, false},
		{"h264 idr after sps", VideoCodecH264, []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x65, 0x88}, true},
		{"h264 non-idr", VideoCodecH264, []byte{0, 0, 1, 0x41, 0x9A}, false},
		{"empty", VideoCodecVP8, nil, false},
		{"unknown codec", VideoCodecUnknown, []byte{0x00}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsKeyFrame(tt.codec, tt.data))
		})
	}
}

func TestLEB128(t *testing.T) {
	v, n := leb128([]byte{0x05})
	assert.Equal(t, uint64(5), v)
	assert.Equal(t, 1, n)

	v, n = leb128([]byte{0xE5, 0x8E, 0x26})
	assert.Equal(t, uint64(624485), v)
	assert.Equal(t, 3, n)

	_, n = leb128([]byte{0x80, 0x80})
	assert.Zero(t, n, "unterminated value")
}
