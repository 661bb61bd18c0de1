package vidcomp

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const projectYAML = `
duration: 2.5
items:
  - id: intro
    source: intro.ivf
    composition_start: 0
    composition_duration: 1.5
  - id: talk
    source: talk.ivf
    composition_start: 1
    composition_duration: 1.5
    start: 0.25
    width: 320
    height: 240
export:
  output: out.ivf
  codec: vp9
  frame_rate: 25
  width: 640
  height: 360
engine:
  lookahead_window: 250ms
  barrier_timeout: 3s
  decoder_output_slots: 6
`

func TestLoadProject(t *testing.T) {
	p, err := LoadProject(strings.NewReader(projectYAML))
	require.NoError(t, err)

	assert.Equal(t, int64(2_500_000), p.Composition.DurationUs())
	talk, ok := p.Composition.Item("talk")
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000), talk.CompositionStartTimeUs)
	assert.Equal(t, int64(1_500_000), talk.CompositionDurationUs)
	assert.Equal(t, int64(250_000), talk.StartTimeUs)
	assert.Equal(t, 320, talk.Width)

	assert.Equal(t, "out.ivf", p.Export.OutputPath)
	assert.Equal(t, VideoCodecVP9, p.Export.Codec)
	assert.Equal(t, 25, p.Export.FrameRate)
	assert.Equal(t, DefaultExportOptions().Bitrate, p.Export.Bitrate, "unset fields keep defaults")

	assert.Equal(t, 250*time.Millisecond, p.Engine.LookaheadWindow)
	assert.Equal(t, 3*time.Second, p.Engine.BarrierTimeout)
	assert.Equal(t, 6, p.Engine.DecoderOutputSlots)
	assert.Equal(t, DefaultConfig().TickInterval, p.Engine.TickInterval)
}

func TestLoadProjectErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"no duration", "items: []", ErrInvalidComposition},
		{"item without source", "duration: 1\nitems:\n  - id: a\n    composition_duration: 1", ErrInvalidComposition},
		{"odd export size", "duration: 1\nexport:\n  width: 641", ErrInvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProject(strings.NewReader(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := LoadProject(strings.NewReader("duration: 1\nexport:\n  codec: theora"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown codec")

	_, err = LoadProject(strings.NewReader("duration: [1"))
	assert.Error(t, err)
}

func TestConfigLoggerLevel(t *testing.T) {
	std := logrus.StandardLogger().GetLevel()
	entry := Config{LogLevel: "trace"}.logger("exporter")
	assert.Equal(t, logrus.TraceLevel, entry.Logger.GetLevel())
	assert.Equal(t, std, logrus.StandardLogger().GetLevel(), "standard logger untouched")

	var out bytes.Buffer
	base := logrus.New()
	base.SetOutput(&out)
	base.SetLevel(logrus.InfoLevel)

	entry = Config{Logger: base, LogLevel: "debug"}.logger("player")
	entry.Debug("tick")
	assert.Equal(t, logrus.InfoLevel, base.GetLevel())
	assert.Contains(t, out.String(), "tick")
	assert.Contains(t, out.String(), "component=player")

	assert.Same(t, base, Config{Logger: base}.logger("x").Logger)
	assert.Same(t, base, Config{Logger: base, LogLevel: "bogus"}.logger("x").Logger)
}
