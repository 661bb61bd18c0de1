package vidcomp

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the engine tunables shared by export and playback sessions.
type Config struct {
	// BarrierTolerance is the maximum distance between a rendered decoder
	// output and the frame delivered to its sink for the frame to count as
	// delivered.
	BarrierTolerance time.Duration `mapstructure:"barrier_tolerance"`

	// LookaheadWindow bounds how far ahead of the playback position item
	// decoders are fed.
	LookaheadWindow time.Duration `mapstructure:"lookahead_window"`

	TickInterval time.Duration `mapstructure:"tick_interval"`

	// BarrierTimeout aborts an export whose barrier does not clear in time.
	// Zero disables the watchdog.
	BarrierTimeout time.Duration `mapstructure:"barrier_timeout"`

	DrainPollTimeout time.Duration `mapstructure:"drain_poll_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`

	DecoderInputSlots  int `mapstructure:"decoder_input_slots"`
	DecoderOutputSlots int `mapstructure:"decoder_output_slots"`
	SinkMaxImages      int `mapstructure:"sink_max_images"`

	// MaxPendingFrames caps queued decoder outputs per item. Zero means no
	// cap beyond the decoder's own output slots.
	MaxPendingFrames int `mapstructure:"max_pending_frames"`

	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`

	Logger   *logrus.Logger `mapstructure:"-"`
	LogLevel string         `mapstructure:"log_level"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BarrierTolerance:   time.Millisecond,
		LookaheadWindow:    500 * time.Millisecond,
		TickInterval:       10 * time.Millisecond,
		BarrierTimeout:     10 * time.Second,
		DrainPollTimeout:   10 * time.Millisecond,
		DrainTimeout:       5 * time.Second,
		DecoderInputSlots:  4,
		DecoderOutputSlots: 4,
		SinkMaxImages:      2,
		ReleaseTimeout:     time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BarrierTolerance <= 0 {
		c.BarrierTolerance = d.BarrierTolerance
	}
	if c.LookaheadWindow <= 0 {
		c.LookaheadWindow = d.LookaheadWindow
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.BarrierTimeout < 0 {
		c.BarrierTimeout = 0
	}
	if c.DrainPollTimeout <= 0 {
		c.DrainPollTimeout = d.DrainPollTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.DecoderInputSlots <= 0 {
		c.DecoderInputSlots = d.DecoderInputSlots
	}
	if c.DecoderOutputSlots <= 0 {
		c.DecoderOutputSlots = d.DecoderOutputSlots
	}
	if c.SinkMaxImages <= 0 {
		c.SinkMaxImages = d.SinkMaxImages
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = d.ReleaseTimeout
	}
	return c
}

// logger returns a component-tagged entry. A LogLevel writes through a
// private logger sharing the base logger's output, formatter and hooks, so
// neither Logger nor the standard logger has its level changed.
func (c Config) logger(component string) *logrus.Entry {
	l := c.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	if lvl, err := logrus.ParseLevel(c.LogLevel); c.LogLevel != "" && err == nil && lvl != l.GetLevel() {
		own := logrus.New()
		own.SetOutput(l.Out)
		own.SetFormatter(l.Formatter)
		own.SetReportCaller(l.ReportCaller)
		own.ReplaceHooks(l.Hooks)
		own.ExitFunc = l.ExitFunc
		own.SetLevel(lvl)
		l = own
	}
	return l.WithField("component", component)
}

// Project is a composition plus the settings needed to export it.
type Project struct {
	Composition *Composition
	Export      ExportOptions
	Engine      Config
}

type projectFile struct {
	Duration float64       `mapstructure:"duration"`
	Items    []projectItem `mapstructure:"items"`
	Export   ExportOptions `mapstructure:"export"`
	Engine   Config        `mapstructure:"engine"`
}

// projectItem uses seconds like the host-facing API.
type projectItem struct {
	ID                  string  `mapstructure:"id"`
	Source              string  `mapstructure:"source"`
	CompositionStart    float64 `mapstructure:"composition_start"`
	CompositionDuration float64 `mapstructure:"composition_duration"`
	Start               float64 `mapstructure:"start"`
	Width               int     `mapstructure:"width"`
	Height              int     `mapstructure:"height"`
}

// LoadProject parses a YAML project description.
//
//	duration: 2.0
//	items:
//	  - id: a
//	    source: a.ivf
//	    composition_start: 0
//	    composition_duration: 2.0
//	export:
//	  output: out.ivf
//	  codec: vp8
//	  frame_rate: 30
//	engine:
//	  lookahead_window: 500ms
func LoadProject(r io.Reader) (*Project, error) {
	var raw map[string]any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse project: %w", err)
	}

	pf := projectFile{
		Export: DefaultExportOptions(),
		Engine: DefaultConfig(),
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToCodecHook,
		),
		WeaklyTypedInput: true,
		Result:           &pf,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}

	items := make([]Item, 0, len(pf.Items))
	for _, pi := range pf.Items {
		items = append(items, Item{
			ID:                     pi.ID,
			SourcePath:             pi.Source,
			CompositionStartTimeUs: SecToUs(pi.CompositionStart),
			CompositionDurationUs:  SecToUs(pi.CompositionDuration),
			StartTimeUs:            SecToUs(pi.Start),
			Width:                  pi.Width,
			Height:                 pi.Height,
		})
	}
	comp, err := NewComposition(SecToUs(pf.Duration), items)
	if err != nil {
		return nil, err
	}
	if err := pf.Export.Validate(); err != nil {
		return nil, err
	}
	return &Project{Composition: comp, Export: pf.Export, Engine: pf.Engine}, nil
}

func stringToCodecHook(f, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t != reflect.TypeOf(VideoCodecUnknown) {
		return data, nil
	}
	codec := ParseVideoCodec(data.(string))
	if codec == VideoCodecUnknown {
		return nil, fmt.Errorf("%w: unknown codec %q", ErrInvalidOptions, data)
	}
	return codec, nil
}
