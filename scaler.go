package vidcomp

// ScaleMode defines how scaling handles aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales to fit within the target, preserving aspect ratio (letterbox).
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill scales to fill the target, preserving aspect ratio (crop).
	ScaleModeFill
	// ScaleModeStretch scales to exactly the target (may distort).
	ScaleModeStretch
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleModeFit:
		return "fit"
	case ScaleModeFill:
		return "fill"
	case ScaleModeStretch:
		return "stretch"
	default:
		return "unknown"
	}
}

// rect is a pixel region on the luma plane. Chroma uses half of every field.
type rect struct{ x, y, w, h int }

// VideoScaler scales I420 frames to a fixed output size. The frame returned
// by Scale reuses the scaler's buffers and is overwritten by the next call.
type VideoScaler struct {
	dstWidth, dstHeight int
	mode                ScaleMode
	out                 *VideoFrame
}

// NewVideoScaler creates a scaler producing dstWidth x dstHeight frames.
func NewVideoScaler(dstWidth, dstHeight int, mode ScaleMode) *VideoScaler {
	return &VideoScaler{
		dstWidth:  dstWidth,
		dstHeight: dstHeight,
		mode:      mode,
		out:       NewI420Frame(dstWidth, dstHeight),
	}
}

// Scale scales frame to the target size. Frames already at the target size
// are returned as is.
func (s *VideoScaler) Scale(frame *VideoFrame) *VideoFrame {
	if frame.Width == s.dstWidth && frame.Height == s.dstHeight {
		return frame
	}
	if s.mode == ScaleModeFit {
		fillBlack(s.out)
	}
	src, dst := regions(frame.Width, frame.Height, s.dstWidth, s.dstHeight, s.mode)
	blit(s.out, frame, src, dst)
	s.out.TimestampUs = frame.TimestampUs
	return s.out
}

// ScaleFrame scales frame into a newly allocated frame that the caller owns.
func ScaleFrame(frame *VideoFrame, dstWidth, dstHeight int, mode ScaleMode) *VideoFrame {
	out := NewI420Frame(dstWidth, dstHeight)
	if mode == ScaleModeFit {
		fillBlack(out)
	}
	src, dst := regions(frame.Width, frame.Height, dstWidth, dstHeight, mode)
	blit(out, frame, src, dst)
	out.TimestampUs = frame.TimestampUs
	return out
}

// DrawFrame scales src into the x, y, w, h region of dst, preserving the
// rest of dst. The region is clipped to dst.
func DrawFrame(dst, src *VideoFrame, x, y, w, h int, mode ScaleMode) {
	if w <= 0 || h <= 0 {
		return
	}
	sr, dr := regions(src.Width, src.Height, w, h, mode)
	dr.x += x
	dr.y += y
	blit(dst, src, sr, dr)
}

// regions computes the source crop and destination placement for a scale.
func regions(srcW, srcH, dstW, dstH int, mode ScaleMode) (src, dst rect) {
	src = rect{0, 0, srcW, srcH}
	dst = rect{0, 0, dstW, dstH}
	switch mode {
	case ScaleModeFit:
		w, h := CalculateScaledSize(srcW, srcH, dstW, dstH, ScaleModeFit)
		dst = rect{((dstW - w) / 2) &^ 1, ((dstH - h) / 2) &^ 1, w, h}
	case ScaleModeFill:
		srcAspect := float64(srcW) / float64(srcH)
		dstAspect := float64(dstW) / float64(dstH)
		if srcAspect > dstAspect {
			newW := int(float64(srcH)*dstAspect) &^ 1
			src = rect{((srcW - newW) / 2) &^ 1, 0, newW, srcH}
		} else if srcAspect < dstAspect {
			newH := int(float64(srcW)/dstAspect) &^ 1
			src = rect{0, ((srcH - newH) / 2) &^ 1, srcW, newH}
		}
	}
	return src, dst
}

func blit(dst, src *VideoFrame, sr, dr rect) {
	scalePlane(src.Data[0], src.Stride[0], sr, dst.Data[0], dst.Stride[0], dst.Width, dst.Height, dr)
	sc := rect{sr.x / 2, sr.y / 2, sr.w / 2, sr.h / 2}
	dc := rect{dr.x / 2, dr.y / 2, dr.w / 2, dr.h / 2}
	cw, ch := dst.Width/2, dst.Height/2
	scalePlane(src.Data[1], src.Stride[1], sc, dst.Data[1], dst.Stride[1], cw, ch, dc)
	scalePlane(src.Data[2], src.Stride[2], sc, dst.Data[2], dst.Stride[2], cw, ch, dc)
}

// scalePlane scales the sr region of a plane into the dr region of another
// using 16.16 fixed-point bilinear interpolation. Destination pixels
// outside planeW x planeH are skipped.
func scalePlane(src []byte, srcStride int, sr rect, dst []byte, dstStride, planeW, planeH int, dr rect) {
	if sr.w <= 0 || sr.h <= 0 || dr.w <= 0 || dr.h <= 0 {
		return
	}

	xRatio := (sr.w << 16) / dr.w
	yRatio := (sr.h << 16) / dr.h

	for y := 0; y < dr.h; y++ {
		dy := dr.y + y
		if dy < 0 || dy >= planeH {
			continue
		}
		syFP := y * yRatio
		yFrac := syFP & 0xFFFF
		y0 := sr.y + syFP>>16
		y1 := y0 + 1
		if y1 >= sr.y+sr.h {
			y1 = y0
		}
		row0 := src[y0*srcStride:]
		row1 := src[y1*srcStride:]
		out := dst[dy*dstStride:]

		for x := 0; x < dr.w; x++ {
			dx := dr.x + x
			if dx < 0 || dx >= planeW {
				continue
			}
			sxFP := x * xRatio
			xFrac := sxFP & 0xFFFF
			x0 := sr.x + sxFP>>16
			x1 := x0 + 1
			if x1 >= sr.x+sr.w {
				x1 = x0
			}

			top := (int(row0[x0])*(0x10000-xFrac) + int(row0[x1])*xFrac) >> 16
			bottom := (int(row1[x0])*(0x10000-xFrac) + int(row1[x1])*xFrac) >> 16
			out[dx] = byte((top*(0x10000-yFrac) + bottom*yFrac) >> 16)
		}
	}
}

// fillBlack paints an I420 frame black (Y=16, U=V=128).
func fillBlack(f *VideoFrame) {
	fillPlane(f.Data[0], 16)
	fillPlane(f.Data[1], 128)
	fillPlane(f.Data[2], 128)
}

func fillPlane(p []byte, v byte) {
	if len(p) == 0 {
		return
	}
	p[0] = v
	for i := 1; i < len(p); i *= 2 {
		copy(p[i:], p[:i])
	}
}

// CalculateScaledSize returns the output dimensions when scaling with a
// given mode. Fit dimensions are rounded to even values for I420.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	if mode != ScaleModeFit || srcW <= 0 || srcH <= 0 {
		return maxW, maxH
	}
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(maxW) / float64(maxH)
	if srcAspect > dstAspect {
		w = maxW
		h = int(float64(maxW) / srcAspect)
	} else {
		h = maxH
		w = int(float64(maxH) * srcAspect)
	}
	w = (w + 1) &^ 1
	h = (h + 1) &^ 1
	if w > maxW {
		w = maxW &^ 1
	}
	if h > maxH {
		h = maxH &^ 1
	}
	return w, h
}
