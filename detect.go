package vidcomp

// DetectVideoCodec guesses the codec of a raw frame or IVF file prefix.
// Supports:
//   - IVF: 32-byte DKIF header carrying a FourCC
//   - H.264: Annex-B start codes (ITU-T H.264 Annex B)
//   - VP8: RFC 6386 key frame start code
//   - VP9: uncompressed header frame marker
//   - AV1: OBU header (AV1 Bitstream Section 5.3.2)
//
// Returns VideoCodecUnknown if the codec cannot be determined. Only VP8 key
// frames are recognised; inter frames carry no signature.
func DetectVideoCodec(data []byte) VideoCodec {
	if len(data) < 4 {
		return VideoCodecUnknown
	}
	if len(data) >= 32 && string(data[0:4]) == "DKIF" {
		return CodecFromFourCC(string(data[8:12]))
	}
	if isAnnexBStartCode(data) {
		return VideoCodecH264
	}
	if isVP8KeyFrame(data) {
		return VideoCodecVP8
	}
	if isVP9Frame(data) {
		return VideoCodecVP9
	}
	if isAV1OBU(data) {
		return VideoCodecAV1
	}
	return VideoCodecUnknown
}

// IsKeyFrame reports whether data is an independently decodable frame of
// codec.
func IsKeyFrame(codec VideoCodec, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch codec {
	case VideoCodecVP8:
		// frame tag bit 0: 0 = key frame
		return data[0]&0x01 == 0
	case VideoCodecVP9:
		return isVP9KeyFrame(data)
	case VideoCodecAV1:
		return hasAV1SequenceHeader(data)
	case VideoCodecH264:
		return hasH264IDR(data)
	default:
		return false
	}
}

func isAnnexBStartCode(data []byte) bool {
	if data[0] != 0 || data[1] != 0 {
		return false
	}
	return data[2] == 1 || (data[2] == 0 && data[3] == 1)
}

// isVP8KeyFrame checks the key frame start code 0x9D 0x01 0x2A that follows
// the 3-byte frame tag (RFC 6386 Section 9.1).
func isVP8KeyFrame(data []byte) bool {
	if len(data) < 10 || data[0]&0x01 != 0 {
		return false
	}
	return data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A
}

// isVP9Frame checks the 2-bit frame_marker (0b10).
func isVP9Frame(data []byte) bool {
	return len(data) >= 3 && data[0]>>6 == 0x02
}

// isVP9KeyFrame walks the first byte of the uncompressed header:
// frame_marker(2) profile_low(1) profile_high(1) [reserved_zero(1) when
// profile 3] show_existing_frame(1) frame_type(1).
func isVP9KeyFrame(data []byte) bool {
	b := data[0]
	if b>>6 != 0x02 {
		return false
	}
	profile := int(b>>5&1) | int(b>>4&1)<<1
	bit := 4
	if profile == 3 {
		bit++
	}
	if b>>(7-bit)&1 == 1 {
		return false
	}
	bit++
	return b>>(7-bit)&1 == 0
}

// isAV1OBU checks the OBU header: forbidden bit clear and a defined type
// (1-8 or 15).
func isAV1OBU(data []byte) bool {
	if len(data) < 2 || data[0]>>7 != 0 {
		return false
	}
	t := data[0] >> 3 & 0x0F
	return (t >= 1 && t <= 8) || t == 15
}

// hasAV1SequenceHeader reports whether the temporal unit carries a
// sequence header OBU, which encoders emit with every key frame.
func hasAV1SequenceHeader(data []byte) bool {
	for i := 0; i < len(data); {
		header := data[i]
		if header>>3&0x0F == 1 {
			return true
		}
		i++
		if header&0x04 != 0 { // extension
			i++
		}
		if header&0x02 == 0 || i >= len(data) { // no size field
			return false
		}
		size, n := leb128(data[i:])
		if n == 0 {
			return false
		}
		i += n + int(size)
	}
	return false
}

// hasH264IDR scans Annex-B NAL units for an IDR slice (type 5).
func hasH264IDR(data []byte) bool {
	for i := 0; i+3 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if data[i+3]&0x1F == 5 {
				return true
			}
			i += 2
		}
	}
	return false
}

func leb128(b []byte) (uint64, int) {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]&0x7F) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}
