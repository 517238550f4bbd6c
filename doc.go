// Package hwdec implements the output side of a hardware video decoder:
// decoded surfaces go in, reference-counted render pictures come out in
// display order.
//
// Key pieces include:
//   - SurfacePool: the decode targets shared by codec, post-processor and renderer
//   - RenderPicture: generation-checked handles into a fixed picture arena
//   - Deinterlacer: hardware deinterlacing with forward/backward reference queues
//   - the output pipeline: a single goroutine state machine driven by channels
//   - Decoder: the entry points used by codec glue and the renderer
//
// # Architecture
//
//	codec glue -> GetSurface/DecodeSlices -> Decode(pic)
//	          -> output pipeline (wait resources, wait decode, step1[, step2])
//	          -> RenderPicture -> renderer -> Release -> surface reuse
//
// # Backends
//
// The hardware is reached through the Device and VideoProcessor interfaces.
// SimDevice emulates both in process. On Linux the VA-API backend loads
// libva at runtime via purego (CGO_ENABLED=0); set HWDEC_VA_LIB_PATH to the
// directory containing libva.so.2 and libva-drm.so.2 to override lookup.
//
// # Build Tags
//
//   - novaapi: disable the VA-API backend
//   - hwdecdebug: panic on render picture double release instead of logging
package hwdec
