package vidcomp

// DefaultBackend reads IVF files and decodes them with the native VPX
// library. Decoded images are downscaled to the item's target size when
// one is set.
func DefaultBackend() Backend {
	return Backend{
		NewSource: func(Item) (SampleSource, error) {
			return NewIVFSource(), nil
		},
		NewDecoder: func(info TrackInfo, _ Item, cfg Config) (DecodePipeline, error) {
			dec, err := NewVPXDecoder(info.Codec, 0)
			if err != nil {
				return nil, err
			}
			return NewAsyncDecoder(dec, AsyncDecoderOptions{
				InputSlots:     cfg.DecoderInputSlots,
				OutputSlots:    cfg.DecoderOutputSlots,
				ReleaseTimeout: cfg.ReleaseTimeout,
				Logger:         cfg.logger("decoder"),
			}), nil
		},
		NewSink: func(_ TrackInfo, item Item, cfg Config) (FrameSink, error) {
			sink := NewLatestFrameSink(cfg.SinkMaxImages)
			sink.SetMaxSize(item.Width, item.Height)
			return sink, nil
		},
	}
}

// DefaultExportBackend adds a VPX encoder and an IVF muxer writing to
// ExportOptions.OutputPath.
func DefaultExportBackend() ExportBackend {
	return ExportBackend{
		Backend: DefaultBackend(),
		NewEncoder: func(opts ExportOptions) (Encoder, error) {
			format := opts.Format()
			enc, err := NewVPXEncoder(format, 0)
			if err != nil {
				return nil, err
			}
			return NewAsyncEncoder(enc, format, opts.KeyFrameInterval), nil
		},
		NewMuxer: func(opts ExportOptions) (Muxer, error) {
			if opts.OutputPath == "" {
				return nil, ErrInvalidOptions
			}
			return NewIVFMuxer(opts.OutputPath), nil
		},
	}
}
