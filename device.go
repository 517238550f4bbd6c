package hwdec

// SessionHandle identifies a hardware decode session.
type SessionHandle uintptr

// SurfaceHandle identifies a hardware decode or post-processing surface.
type SurfaceHandle uintptr

// BufferHandle identifies a hardware decode buffer.
type BufferHandle uintptr

// OutputHandle identifies a renderer-shared output surface.
type OutputHandle uintptr

// ContextHandle identifies a video post-processing context.
type ContextHandle uintptr

// BufferKind selects the type of decode buffer.
type BufferKind int

const (
	BufferPictureDescriptor BufferKind = iota // Per-frame picture parameters
	BufferBitstreamData                       // Compressed slice data
	BufferSliceControl                        // Per-slice control block
)

func (k BufferKind) String() string {
	switch k {
	case BufferPictureDescriptor:
		return "picture-descriptor"
	case BufferBitstreamData:
		return "bitstream-data"
	case BufferSliceControl:
		return "slice-control"
	default:
		return "unknown"
	}
}

// SurfaceStatus is the completion state of a surface reported by the device.
type SurfaceStatus int

const (
	SurfaceReady   SurfaceStatus = iota // No pending hardware work
	SurfacePending                      // Decode or processing still in flight
)

// SessionParams describes the stream a decode session is created for.
type SessionParams struct {
	Width       int    // Coded width (aligned to 16)
	Height      int    // Coded height (aligned to 16)
	Profile     int    // Backend-specific decode profile
	Level       int    // Backend-specific level
	SurfaceType uint32 // Backend-specific surface format
}

// Slice is one compressed slice and its codec-specific control block.
type Slice struct {
	Control []byte
	Data    []byte
}

// DecodeJob is one picture worth of compressed data tagged to a surface.
type DecodeJob struct {
	Surface      SurfaceHandle
	Descriptor   BufferHandle
	Data         BufferHandle
	SliceControl []BufferHandle // One per slice
	Params       []byte         // Codec-specific picture parameters
	Slices       []Slice
}

// Device is the hardware decode API. Implementations must be safe to call
// from multiple goroutines; the decoder serializes calls that touch the same
// session.
type Device interface {
	CreateSession(params SessionParams) (SessionHandle, error)
	DestroySession(s SessionHandle) error

	CreateBuffer(s SessionHandle, kind BufferKind) (BufferHandle, error)
	DestroyBuffer(s SessionHandle, b BufferHandle) error

	CreateSurface(s SessionHandle) (SurfaceHandle, error)
	DestroySurface(s SessionHandle, surface SurfaceHandle) error

	// Decode queues a decode job. Completion is observed through SyncSurface.
	Decode(s SessionHandle, job DecodeJob) error
	// SyncSurface queries the status of a surface without blocking.
	SyncSurface(s SessionHandle, surface SurfaceHandle) (SurfaceStatus, error)

	CreateOutputSurface(s SessionHandle) (OutputHandle, error)
	DestroyOutputSurface(s SessionHandle, out OutputHandle) error
	// TransferSurface copies src into out, selecting a single field unless
	// field is FieldFrame.
	TransferSurface(s SessionHandle, src SurfaceHandle, out OutputHandle, field Field) error
}

// DeintMethod is a hardware deinterlacing algorithm.
type DeintMethod int

const (
	DeintWeave DeintMethod = iota
	DeintBob
	DeintMotionAdaptive
	DeintMotionCompensated
	deintMethodCount
)

func (m DeintMethod) String() string {
	switch m {
	case DeintWeave:
		return "weave"
	case DeintBob:
		return "bob"
	case DeintMotionAdaptive:
		return "motion-adaptive"
	case DeintMotionCompensated:
		return "motion-compensated"
	default:
		return "unknown"
	}
}

// ParseDeintMethod converts a method name as produced by String.
func ParseDeintMethod(s string) (DeintMethod, bool) {
	for m := DeintWeave; m < deintMethodCount; m++ {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

// DeintCaps is the reference context a deinterlace method needs.
type DeintCaps struct {
	Supported          bool
	ForwardReferences  int // Future pictures the algorithm needs
	BackwardReferences int // Past pictures the algorithm needs
}

// DeintRequest is one deinterlace call.
type DeintRequest struct {
	Target   SurfaceHandle
	Input    SurfaceHandle
	Field    Field
	Forward  []SurfaceHandle
	Backward []SurfaceHandle
}

// VideoProcessor is the hardware post-processing API used for deinterlacing.
type VideoProcessor interface {
	CreateTargets(count, width, height int) ([]SurfaceHandle, error)
	DestroyTargets(targets []SurfaceHandle) error

	CreateContext(method DeintMethod, width, height int, targets []SurfaceHandle) (ContextHandle, error)
	DestroyContext(ctx ContextHandle) error

	// QueryDeinterlace reports support and reference requirements of method
	// within ctx.
	QueryDeinterlace(ctx ContextHandle, method DeintMethod) (DeintCaps, error)
	// Deinterlace runs the filter synchronously into req.Target.
	Deinterlace(ctx ContextHandle, req DeintRequest) error
}
