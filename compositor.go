package vidcomp

import (
	"fmt"
	"sort"
	"sync"
)

// Layer places one composition item on the output canvas.
type Layer struct {
	ItemID  string
	X, Y    int       // Position on canvas
	Width   int       // Scaled width (0 = canvas width)
	Height  int       // Scaled height (0 = canvas height)
	ZOrder  int       // Layer order (higher = on top)
	Alpha   float32   // Layer opacity 0.0-1.0
	Visible bool      // Layer visibility
	Mode    ScaleMode // How the item frame fits the layer
}

// LayoutConfig configures a LayoutRenderer.
type LayoutConfig struct {
	Width      int     // Canvas width
	Height     int     // Canvas height
	Background [3]byte // Background color (Y, U, V)
}

// DefaultLayoutConfig returns a 1280x720 black canvas.
func DefaultLayoutConfig() LayoutConfig {
	return LayoutConfig{
		Width:      1280,
		Height:     720,
		Background: [3]byte{16, 128, 128}, // Black in YUV
	}
}

// LayoutRenderer composites the per-item frames of a composition onto one
// I420 canvas. Its Render method satisfies RenderFunc.
type LayoutRenderer struct {
	config LayoutConfig

	mu     sync.RWMutex
	layers []*Layer
	comp   *Composition
}

// NewLayoutRenderer creates a renderer with no layers.
func NewLayoutRenderer(config LayoutConfig) *LayoutRenderer {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	config.Width = (config.Width + 1) &^ 1
	config.Height = (config.Height + 1) &^ 1
	return &LayoutRenderer{config: config}
}

// Config returns the canvas configuration.
func (r *LayoutRenderer) Config() LayoutConfig { return r.config }

// SetComposition restricts drawing to items whose window contains the
// render time. Without it every item with a frame is drawn.
func (r *LayoutRenderer) SetComposition(c *Composition) {
	r.mu.Lock()
	r.comp = c
	r.mu.Unlock()
}

// AddLayer places itemID at x, y with the given size.
func (r *LayoutRenderer) AddLayer(itemID string, x, y, width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers = append(r.layers, &Layer{
		ItemID:  itemID,
		X:       x,
		Y:       y,
		Width:   width,
		Height:  height,
		ZOrder:  len(r.layers),
		Alpha:   1.0,
		Visible: true,
		Mode:    ScaleModeFit,
	})
}

// RemoveLayer removes the layer of itemID.
func (r *LayoutRenderer) RemoveLayer(itemID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.layers {
		if l.ItemID == itemID {
			r.layers = append(r.layers[:i], r.layers[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateLayer applies fn to the layer of itemID.
func (r *LayoutRenderer) UpdateLayer(itemID string, fn func(l *Layer)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.layers {
		if l.ItemID == itemID {
			fn(l)
			return true
		}
	}
	return false
}

// Layers returns a copy of the layers in z-order.
func (r *LayoutRenderer) Layers() []Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Layer, 0, len(r.layers))
	for _, l := range r.layers {
		out = append(out, *l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ZOrder < out[j].ZOrder })
	return out
}

// Render draws the visible layers, bottom to top, onto a new canvas.
func (r *LayoutRenderer) Render(timeUs int64, frames map[string]*CompositionFrame) (*VideoFrame, error) {
	r.mu.RLock()
	comp := r.comp
	r.mu.RUnlock()

	canvas := NewI420Frame(r.config.Width, r.config.Height)
	fillPlane(canvas.Data[0], r.config.Background[0])
	fillPlane(canvas.Data[1], r.config.Background[1])
	fillPlane(canvas.Data[2], r.config.Background[2])
	canvas.TimestampUs = timeUs

	for _, l := range r.Layers() {
		if !l.Visible || l.Alpha <= 0 {
			continue
		}
		if comp != nil {
			if it, ok := comp.Item(l.ItemID); ok && !it.Contains(timeUs) {
				continue
			}
		}
		px, ok := frames[l.ItemID].Pixels()
		if !ok || px == nil {
			continue
		}
		if px.Format != PixelFormatI420 {
			return nil, fmt.Errorf("layer %q: unsupported pixel format %s", l.ItemID, px.Format)
		}
		w, h := l.Width, l.Height
		if w <= 0 {
			w = r.config.Width
		}
		if h <= 0 {
			h = r.config.Height
		}
		if l.Alpha >= 1 {
			DrawFrame(canvas, px, l.X&^1, l.Y&^1, w&^1, h&^1, l.Mode)
			continue
		}
		tmp := ScaleFrame(px, w&^1, h&^1, l.Mode)
		blendOver(canvas, tmp, l.X&^1, l.Y&^1, l.Alpha)
	}
	return canvas, nil
}

// blendOver alpha-blends src onto dst at x, y.
func blendOver(dst, src *VideoFrame, x, y int, alpha float32) {
	a := int(alpha * 256)
	for p := 0; p < 3; p++ {
		ox, oy, pw, ph := x, y, dst.Width, dst.Height
		if p > 0 {
			ox, oy, pw, ph = x/2, y/2, dst.Width/2, dst.Height/2
		}
		sw := src.Width
		sh := src.Height
		if p > 0 {
			sw, sh = sw/2, sh/2
		}
		for row := 0; row < sh; row++ {
			dy := oy + row
			if dy < 0 || dy >= ph {
				continue
			}
			for col := 0; col < sw; col++ {
				dx := ox + col
				if dx < 0 || dx >= pw {
					continue
				}
				s := int(src.Data[p][row*src.Stride[p]+col])
				d := &dst.Data[p][dy*dst.Stride[p]+dx]
				*d = byte((s*a + int(*d)*(256-a)) >> 8)
			}
		}
	}
}

// Preset layouts for common use cases

// LayoutGrid arranges items in a grid with cols columns.
func (r *LayoutRenderer) LayoutGrid(itemIDs []string, cols, gap int) {
	if len(itemIDs) == 0 {
		return
	}
	if cols <= 0 {
		cols = 1
	}
	rows := (len(itemIDs) + cols - 1) / cols
	cellW := (r.config.Width - gap*(cols-1)) / cols
	cellH := (r.config.Height - gap*(rows-1)) / rows
	for i, id := range itemIDs {
		col := i % cols
		row := i / cols
		r.AddLayer(id, col*(cellW+gap), row*(cellH+gap), cellW, cellH)
	}
}

// LayoutSideBySide places two items next to each other.
func (r *LayoutRenderer) LayoutSideBySide(left, right string, gap int) {
	r.LayoutGrid([]string{left, right}, 2, gap)
}

// LayoutPiP places pip over main in a corner.
// position: "top-left", "top-right", "bottom-left", "bottom-right"
func (r *LayoutRenderer) LayoutPiP(main, pip string, pipWidth, pipHeight int, position string, margin int) {
	r.AddLayer(main, 0, 0, r.config.Width, r.config.Height)

	var x, y int
	switch position {
	case "top-left":
		x, y = margin, margin
	case "top-right":
		x, y = r.config.Width-pipWidth-margin, margin
	case "bottom-left":
		x, y = margin, r.config.Height-pipHeight-margin
	default:
		x, y = r.config.Width-pipWidth-margin, r.config.Height-pipHeight-margin
	}
	r.AddLayer(pip, x, y, pipWidth, pipHeight)
}
