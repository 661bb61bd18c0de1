// Package vidcomp composes several video files into one timeline and keeps
// their decoders in lock-step, for interactive playback or offline export.
//
// Key pieces include:
//   - Composition/Item: an immutable timeline of clips with per-item
//     trimming and placement
//   - ItemDecoder and CompositionDecoder: per-item decode state machines
//     behind a single composition-wide coordinator
//   - Player: wall-clock playback with seek coalescing and looping
//   - Exporter and SyncExtractor: frame-accurate offline extraction gated
//     by a readiness barrier
//   - EncodePipeline: draw, encode, drain and mux of rendered frames
//   - LayoutRenderer: grid/side-by-side/picture-in-picture composition of
//     I420 frames
//
// # Architecture
//
//	Playback: IVFSource -> AsyncDecoder -> LatestFrameSink -> Player tick -> FramesFunc
//	Export:   IVFSource -> AsyncDecoder -> LatestFrameSink -> barrier -> RenderFunc -> EncodePipeline -> IVFMuxer
//
// Every session runs its state on one worker goroutine. Decoder and sink
// callbacks post closures to that worker and never touch state directly.
//
// # Native Libraries
//
// The default backend loads libmedia_vpx through purego. Set
// MEDIA_VPX_LIB_PATH to the library file or MEDIA_SDK_LIB_PATH to the
// directory holding it. Build with the novpx tag to compile without it; sessions then
// need a custom Backend.
package vidcomp
