package vidcomp

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// DecoderCapabilities describes what the native backend can decode.
type DecoderCapabilities struct {
	Codec        VideoCodec
	MaxWidth     int
	MaxHeight    int
	MaxInstances int // 0 means no fixed limit
}

// EncoderConfiguration is an encoder setup the backend accepts, possibly
// adjusted from the request.
type EncoderConfiguration struct {
	Name      string
	Codec     VideoCodec
	Hardware  bool
	Width     int
	Height    int
	FrameRate int
	Bitrate   int

	ResolutionOverridden bool
	FrameRateOverridden  bool
	BitrateOverridden    bool
}

type codecLimits struct {
	name       string
	maxWidth   int
	maxHeight  int
	maxFPS     int
	minBitrate int
	maxBitrate int
}

var softwareCodecs = map[VideoCodec]codecLimits{
	VideoCodecVP8: {name: "libvpx-vp8", maxWidth: 16383, maxHeight: 16383, maxFPS: 120, minBitrate: 100_000, maxBitrate: 50_000_000},
	VideoCodecVP9: {name: "libvpx-vp9", maxWidth: 65536, maxHeight: 65536, maxFPS: 120, minBitrate: 100_000, maxBitrate: 80_000_000},
}

// codecAvailable is replaced in tests.
var codecAvailable = IsCodecAvailable

// DecodingCapabilitiesFor returns the decode limits for codec, or an error
// wrapping ErrCodecUnavailable.
func DecodingCapabilitiesFor(codec VideoCodec) (DecoderCapabilities, error) {
	lim, ok := softwareCodecs[codec]
	if !ok || !codecAvailable(codec) {
		return DecoderCapabilities{}, fmt.Errorf("%w: %s", ErrCodecUnavailable, codec)
	}
	return DecoderCapabilities{Codec: codec, MaxWidth: lim.maxWidth, MaxHeight: lim.maxHeight}, nil
}

// ValidEncoderConfigurations lists encoder setups close to the request, one
// per available codec, best match first. Dimensions are clamped to the
// codec limits keeping the aspect ratio and rounded down to even values;
// frame rate and bitrate are clamped to the supported ranges.
func ValidEncoderConfigurations(width, height, frameRate, bitrate int) ([]EncoderConfiguration, error) {
	if width <= 0 || height <= 0 || frameRate <= 0 || bitrate <= 0 {
		return nil, fmt.Errorf("%w: %dx%d@%d %dbps", ErrInvalidOptions, width, height, frameRate, bitrate)
	}

	// limits are expressed for landscape
	rotated := height > width
	if rotated {
		width, height = height, width
	}

	var out []EncoderConfiguration
	for _, codec := range []VideoCodec{VideoCodecVP8, VideoCodecVP9} {
		if !codecAvailable(codec) {
			continue
		}
		lim := softwareCodecs[codec]
		cfg := EncoderConfiguration{
			Name:      lim.name,
			Codec:     codec,
			Width:     width,
			Height:    height,
			FrameRate: frameRate,
			Bitrate:   bitrate,
		}

		if width > lim.maxWidth || height > lim.maxHeight {
			scale := math.Min(float64(lim.maxWidth)/float64(width), float64(lim.maxHeight)/float64(height))
			cfg.Width = int(float64(width) * scale)
			cfg.Height = int(float64(height) * scale)
			cfg.ResolutionOverridden = true
		}
		if cfg.Width%2 != 0 || cfg.Height%2 != 0 {
			cfg.Width, cfg.Height = max(2, cfg.Width&^1), max(2, cfg.Height&^1)
			cfg.ResolutionOverridden = true
		}
		if cfg.FrameRate > lim.maxFPS {
			cfg.FrameRate = lim.maxFPS
			cfg.FrameRateOverridden = true
		}
		if clamped := min(max(cfg.Bitrate, lim.minBitrate), lim.maxBitrate); clamped != cfg.Bitrate {
			cfg.Bitrate = clamped
			cfg.BitrateOverridden = true
		}
		if rotated {
			cfg.Width, cfg.Height = cfg.Height, cfg.Width
		}
		out = append(out, cfg)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no encoder available", ErrCodecUnavailable)
	}

	slices.SortStableFunc(out, func(a, b EncoderConfiguration) int {
		return cmp.Compare(a.overrides(), b.overrides())
	})
	return out, nil
}

// overrides ranks adjustments: resolution outweighs frame rate, which
// outweighs bitrate.
func (c EncoderConfiguration) overrides() int {
	n := 0
	if c.ResolutionOverridden {
		n += 4
	}
	if c.FrameRateOverridden {
		n += 2
	}
	if c.BitrateOverridden {
		n++
	}
	return n
}
