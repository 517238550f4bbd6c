//go:build linux && !novaapi

// VA-API backend loaded at runtime via purego.

package hwdec

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/sirupsen/logrus"
)

var (
	vaOnce    sync.Once
	vaHandle  uintptr
	vaDRM     uintptr
	vaInitErr error
)

// libva function pointers
var (
	vaGetDisplayDRM              func(fd int32) uintptr
	vaInitialize                 func(dpy uintptr, major, minor *int32) int32
	vaTerminate                  func(dpy uintptr) int32
	vaErrorStr                   func(status int32) uintptr
	vaQueryVendorString          func(dpy uintptr) uintptr
	vaCreateConfig               func(dpy uintptr, profile, entrypoint int32, attribs uintptr, numAttribs int32, config *uint32) int32
	vaDestroyConfig              func(dpy uintptr, config uint32) int32
	vaCreateContext              func(dpy uintptr, config uint32, width, height, flag int32, targets *uint32, numTargets int32, ctx *uint32) int32
	vaDestroyContext             func(dpy uintptr, ctx uint32) int32
	vaCreateSurfaces             func(dpy uintptr, format, width, height uint32, surfaces *uint32, num uint32, attribs uintptr, numAttribs uint32) int32
	vaDestroySurfaces            func(dpy uintptr, surfaces *uint32, num int32) int32
	vaCreateBuffer               func(dpy uintptr, ctx uint32, typ int32, size, num uint32, data unsafe.Pointer, buf *uint32) int32
	vaDestroyBuffer              func(dpy uintptr, buf uint32) int32
	vaBeginPicture               func(dpy uintptr, ctx, target uint32) int32
	vaRenderPicture              func(dpy uintptr, ctx uint32, bufs *uint32, num int32) int32
	vaEndPicture                 func(dpy uintptr, ctx uint32) int32
	vaQuerySurfaceStatus         func(dpy uintptr, surface uint32, status *int32) int32
	vaQueryVideoProcFilterCaps   func(dpy uintptr, ctx uint32, typ int32, caps unsafe.Pointer, num *uint32) int32
	vaQueryVideoProcPipelineCaps func(dpy uintptr, ctx uint32, filters *uint32, num uint32, caps unsafe.Pointer) int32
)

// Constants from va.h and va_vpp.h
const (
	vaStatusSuccess = 0

	vaProfileNone          = -1
	vaEntrypointVLD        = 1
	vaEntrypointVideoProc  = 10
	vaRTFormatYUV420       = 0x00000001
	vaRTFormatRGB32        = 0x00010000
	vaProgressive          = 0x1
	vaSurfaceRendering     = 1
	vaInvalidID            = 0xffffffff
	vaPaddingLow           = 4
	vaPaddingLarge         = 32
	vaDeinterlacingTypes   = 5
	vaFilterDeinterlacing  = 2
	vaTopField             = 1
	vaBottomField          = 2
	vaDeintBottomField     = 2
	vaDefaultDRMRenderNode = "/dev/dri/renderD128"

	vaPictureParameterBufferType      = 0
	vaSliceParameterBufferType        = 4
	vaSliceDataBufferType             = 5
	vaProcPipelineParameterBufferType = 41
	vaProcFilterParameterBufferType   = 42
)

// VAProcDeinterlacingType values
const (
	vaDeintBob               = 1
	vaDeintWeave             = 2
	vaDeintMotionAdaptive    = 3
	vaDeintMotionCompensated = 4
)

// vaOut is a heap-allocated struct for output parameters.
// Output parameters must not live on the goroutine stack during the call.
type vaOut struct {
	id     uint32
	status int32
	major  int32
	minor  int32
	num    uint32
}

// vaProcPipelineParameterBuffer mirrors VAProcPipelineParameterBuffer on
// 64-bit targets up to output_surface_flag. The tail is left zero.
type vaProcPipelineParameterBuffer struct {
	surface               uint32
	_                     uint32
	surfaceRegion         uintptr
	surfaceColorStandard  uint32
	_                     uint32
	outputRegion          uintptr
	outputBackgroundColor uint32
	outputColorStandard   uint32
	pipelineFlags         uint32
	filterFlags           uint32
	filters               uintptr
	numFilters            uint32
	_                     uint32
	forwardReferences     uintptr
	numForwardReferences  uint32
	_                     uint32
	backwardReferences    uintptr
	numBackwardReferences uint32
	rotationState         uint32
	blendState            uintptr
	mirrorState           uint32
	_                     uint32
	additionalOutputs     uintptr
	numAdditionalOutputs  uint32
	inputSurfaceFlag      uint32
	outputSurfaceFlag     uint32
	_                     [vaPaddingLarge + 16]uint32
}

type vaProcFilterParameterBufferDeinterlacing struct {
	typ       int32
	algorithm int32
	flags     uint32
	_         [vaPaddingLow]uint32
}

type vaProcFilterCapDeinterlacing struct {
	typ int32
	_   [vaPaddingLow]uint32
}

// vaProcPipelineCaps covers the leading counters of VAProcPipelineCaps.
type vaProcPipelineCaps struct {
	pipelineFlags         uint32
	filterFlags           uint32
	numForwardReferences  uint32
	numBackwardReferences uint32
	_                     [64]uint32
}

func loadVA() error {
	vaOnce.Do(func() {
		vaInitErr = loadVALib()
	})
	return vaInitErr
}

func loadVALib() error {
	var lastErr error
	for _, path := range libraryPaths("HWDEC_VA_LIB_PATH", "libva.so.2", "libva.so") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		vaHandle = handle
		break
	}
	if vaHandle == 0 {
		if lastErr != nil {
			return fmt.Errorf("failed to load libva: %w", lastErr)
		}
		return errors.New("libva not found in any standard location")
	}

	for _, path := range libraryPaths("HWDEC_VA_LIB_PATH", "libva-drm.so.2", "libva-drm.so") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		vaDRM = handle
		break
	}
	if vaDRM == 0 {
		purego.Dlclose(vaHandle)
		vaHandle = 0
		return fmt.Errorf("failed to load libva-drm: %w", lastErr)
	}

	return loadVASymbols()
}

func loadVASymbols() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to load libva symbols: %v", r)
		}
	}()

	purego.RegisterLibFunc(&vaGetDisplayDRM, vaDRM, "vaGetDisplayDRM")
	purego.RegisterLibFunc(&vaInitialize, vaHandle, "vaInitialize")
	purego.RegisterLibFunc(&vaTerminate, vaHandle, "vaTerminate")
	purego.RegisterLibFunc(&vaErrorStr, vaHandle, "vaErrorStr")
	purego.RegisterLibFunc(&vaQueryVendorString, vaHandle, "vaQueryVendorString")
	purego.RegisterLibFunc(&vaCreateConfig, vaHandle, "vaCreateConfig")
	purego.RegisterLibFunc(&vaDestroyConfig, vaHandle, "vaDestroyConfig")
	purego.RegisterLibFunc(&vaCreateContext, vaHandle, "vaCreateContext")
	purego.RegisterLibFunc(&vaDestroyContext, vaHandle, "vaDestroyContext")
	purego.RegisterLibFunc(&vaCreateSurfaces, vaHandle, "vaCreateSurfaces")
	purego.RegisterLibFunc(&vaDestroySurfaces, vaHandle, "vaDestroySurfaces")
	purego.RegisterLibFunc(&vaCreateBuffer, vaHandle, "vaCreateBuffer")
	purego.RegisterLibFunc(&vaDestroyBuffer, vaHandle, "vaDestroyBuffer")
	purego.RegisterLibFunc(&vaBeginPicture, vaHandle, "vaBeginPicture")
	purego.RegisterLibFunc(&vaRenderPicture, vaHandle, "vaRenderPicture")
	purego.RegisterLibFunc(&vaEndPicture, vaHandle, "vaEndPicture")
	purego.RegisterLibFunc(&vaQuerySurfaceStatus, vaHandle, "vaQuerySurfaceStatus")
	purego.RegisterLibFunc(&vaQueryVideoProcFilterCaps, vaHandle, "vaQueryVideoProcFilterCaps")
	purego.RegisterLibFunc(&vaQueryVideoProcPipelineCaps, vaHandle, "vaQueryVideoProcPipelineCaps")
	return nil
}

// IsVAAPIAvailable reports whether libva could be loaded.
func IsVAAPIAvailable() bool {
	return loadVA() == nil
}

func vaError(op string, status int32) error {
	if status == vaStatusSuccess {
		return nil
	}
	return &HardwareError{Op: op, Status: int(status), Err: errors.New(goStringFromPtr(vaErrorStr(status)))}
}

// VA surface ids start at 0, handles reserve 0 for "none".
func vaSurfaceHandle(id uint32) uintptr { return uintptr(id) + 1 }
func vaSurfaceID(h uintptr) uint32      { return uint32(h - 1) }

type vaSession struct {
	config     uint32
	context    uint32
	vppConfig  uint32
	vppContext uint32
	width      int
	height     int
}

type vaVPPContext struct {
	config  uint32
	context uint32
	method  DeintMethod
}

// VADevice implements Device and VideoProcessor on a VA-API DRM display.
type VADevice struct {
	mu       sync.Mutex
	file     *os.File
	dpy      uintptr
	next     uintptr
	sessions map[SessionHandle]*vaSession
	buffers  map[BufferHandle]BufferKind
	contexts map[ContextHandle]*vaVPPContext
}

// OpenVAAPI opens a DRM render node, "" selects the first one.
func OpenVAAPI(path string) (*VADevice, error) {
	if err := loadVA(); err != nil {
		return nil, err
	}
	if path == "" {
		path = vaDefaultDRMRenderNode
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	dpy := vaGetDisplayDRM(int32(f.Fd()))
	if dpy == 0 {
		f.Close()
		return nil, fmt.Errorf("vaGetDisplayDRM %s: %w", path, ErrUnsupported)
	}

	out := new(vaOut)
	if err := vaError("vaInitialize", vaInitialize(dpy, &out.major, &out.minor)); err != nil {
		f.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenVAAPI",
		"device":   path,
		"version":  fmt.Sprintf("%d.%d", out.major, out.minor),
		"vendor":   goStringFromPtr(vaQueryVendorString(dpy)),
	}).Info("VA-API initialized")

	return &VADevice{
		file:     f,
		dpy:      dpy,
		sessions: make(map[SessionHandle]*vaSession),
		buffers:  make(map[BufferHandle]BufferKind),
		contexts: make(map[ContextHandle]*vaVPPContext),
	}, nil
}

// Close terminates the display.
func (d *VADevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dpy == 0 {
		return nil
	}
	err := vaError("vaTerminate", vaTerminate(d.dpy))
	d.dpy = 0
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *VADevice) handle() uintptr {
	d.next++
	return d.next
}

func (d *VADevice) session(s SessionHandle) (*vaSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[s]
	if !ok {
		return nil, fmt.Errorf("vaapi: unknown session %d", s)
	}
	return sess, nil
}

func (d *VADevice) createConfig(profile, entrypoint int32) (uint32, error) {
	out := new(vaOut)
	if err := vaError("vaCreateConfig", vaCreateConfig(d.dpy, profile, entrypoint, 0, 0, &out.id)); err != nil {
		return 0, err
	}
	return out.id, nil
}

func (d *VADevice) createContext(config uint32, width, height int, targets []uint32) (uint32, error) {
	out := new(vaOut)
	var tp *uint32
	if len(targets) > 0 {
		tp = &targets[0]
	}
	st := vaCreateContext(d.dpy, config, int32(width), int32(height), vaProgressive, tp, int32(len(targets)), &out.id)
	if err := vaError("vaCreateContext", st); err != nil {
		return 0, err
	}
	return out.id, nil
}

func (d *VADevice) createSurfaces(format uint32, width, height, count int) ([]uint32, error) {
	ids := make([]uint32, count)
	st := vaCreateSurfaces(d.dpy, format, uint32(width), uint32(height), &ids[0], uint32(count), 0, 0)
	if err := vaError("vaCreateSurfaces", st); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *VADevice) createBuffer(ctx uint32, typ int32, data []byte) (uint32, error) {
	if len(data) == 0 {
		return vaInvalidID, fmt.Errorf("vaapi: empty buffer type %d", typ)
	}
	out := new(vaOut)
	st := vaCreateBuffer(d.dpy, ctx, typ, uint32(len(data)), 1, unsafe.Pointer(&data[0]), &out.id)
	if err := vaError("vaCreateBuffer", st); err != nil {
		return vaInvalidID, err
	}
	return out.id, nil
}

func (d *VADevice) destroyBuffers(bufs []uint32) {
	for _, b := range bufs {
		if b != vaInvalidID {
			vaDestroyBuffer(d.dpy, b)
		}
	}
}

// render submits bufs for target on ctx.
func (d *VADevice) render(ctx, target uint32, bufs []uint32) error {
	if err := vaError("vaBeginPicture", vaBeginPicture(d.dpy, ctx, target)); err != nil {
		return err
	}
	if err := vaError("vaRenderPicture", vaRenderPicture(d.dpy, ctx, &bufs[0], int32(len(bufs)))); err != nil {
		vaEndPicture(d.dpy, ctx)
		return err
	}
	return vaError("vaEndPicture", vaEndPicture(d.dpy, ctx))
}

func (d *VADevice) CreateSession(params SessionParams) (SessionHandle, error) {
	sess := &vaSession{width: params.Width, height: params.Height}
	var err error

	if sess.config, err = d.createConfig(int32(params.Profile), vaEntrypointVLD); err != nil {
		return 0, err
	}
	if sess.context, err = d.createContext(sess.config, params.Width, params.Height, nil); err != nil {
		vaDestroyConfig(d.dpy, sess.config)
		return 0, err
	}
	if sess.vppConfig, err = d.createConfig(vaProfileNone, vaEntrypointVideoProc); err != nil {
		vaDestroyContext(d.dpy, sess.context)
		vaDestroyConfig(d.dpy, sess.config)
		return 0, err
	}
	if sess.vppContext, err = d.createContext(sess.vppConfig, params.Width, params.Height, nil); err != nil {
		vaDestroyConfig(d.dpy, sess.vppConfig)
		vaDestroyContext(d.dpy, sess.context)
		vaDestroyConfig(d.dpy, sess.config)
		return 0, err
	}

	d.mu.Lock()
	h := SessionHandle(d.handle())
	d.sessions[h] = sess
	d.mu.Unlock()
	return h, nil
}

func (d *VADevice) DestroySession(s SessionHandle) error {
	d.mu.Lock()
	sess, ok := d.sessions[s]
	delete(d.sessions, s)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("vaapi: unknown session %d", s)
	}
	errs := []error{
		vaError("vaDestroyContext", vaDestroyContext(d.dpy, sess.vppContext)),
		vaError("vaDestroyConfig", vaDestroyConfig(d.dpy, sess.vppConfig)),
		vaError("vaDestroyContext", vaDestroyContext(d.dpy, sess.context)),
		vaError("vaDestroyConfig", vaDestroyConfig(d.dpy, sess.config)),
	}
	return errors.Join(errs...)
}

// CreateBuffer reserves a buffer slot. libva buffers are created per
// picture in Decode since their size is only known then.
func (d *VADevice) CreateBuffer(s SessionHandle, kind BufferKind) (BufferHandle, error) {
	if _, err := d.session(s); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := BufferHandle(d.handle())
	d.buffers[h] = kind
	return h, nil
}

func (d *VADevice) DestroyBuffer(s SessionHandle, b BufferHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, b)
	return nil
}

func (d *VADevice) CreateSurface(s SessionHandle) (SurfaceHandle, error) {
	sess, err := d.session(s)
	if err != nil {
		return 0, err
	}
	ids, err := d.createSurfaces(vaRTFormatYUV420, sess.width, sess.height, 1)
	if err != nil {
		return 0, err
	}
	return SurfaceHandle(vaSurfaceHandle(ids[0])), nil
}

func (d *VADevice) DestroySurface(s SessionHandle, surface SurfaceHandle) error {
	id := vaSurfaceID(uintptr(surface))
	return vaError("vaDestroySurfaces", vaDestroySurfaces(d.dpy, &id, 1))
}

func (d *VADevice) Decode(s SessionHandle, job DecodeJob) error {
	sess, err := d.session(s)
	if err != nil {
		return err
	}

	bufs := make([]uint32, 0, 1+2*len(job.Slices))
	defer func() { d.destroyBuffers(bufs) }()

	b, err := d.createBuffer(sess.context, vaPictureParameterBufferType, job.Params)
	if err != nil {
		return err
	}
	bufs = append(bufs, b)
	for _, sl := range job.Slices {
		if b, err = d.createBuffer(sess.context, vaSliceParameterBufferType, sl.Control); err != nil {
			return err
		}
		bufs = append(bufs, b)
		if b, err = d.createBuffer(sess.context, vaSliceDataBufferType, sl.Data); err != nil {
			return err
		}
		bufs = append(bufs, b)
	}

	return d.render(sess.context, vaSurfaceID(uintptr(job.Surface)), bufs)
}

func (d *VADevice) SyncSurface(s SessionHandle, surface SurfaceHandle) (SurfaceStatus, error) {
	out := new(vaOut)
	st := vaQuerySurfaceStatus(d.dpy, vaSurfaceID(uintptr(surface)), &out.status)
	if err := vaError("vaQuerySurfaceStatus", st); err != nil {
		return SurfaceReady, err
	}
	if out.status&vaSurfaceRendering != 0 {
		return SurfacePending, nil
	}
	return SurfaceReady, nil
}

func (d *VADevice) CreateOutputSurface(s SessionHandle) (OutputHandle, error) {
	sess, err := d.session(s)
	if err != nil {
		return 0, err
	}
	ids, err := d.createSurfaces(vaRTFormatRGB32, sess.width, sess.height, 1)
	if err != nil {
		return 0, err
	}
	return OutputHandle(vaSurfaceHandle(ids[0])), nil
}

func (d *VADevice) DestroyOutputSurface(s SessionHandle, out OutputHandle) error {
	id := vaSurfaceID(uintptr(out))
	return vaError("vaDestroySurfaces", vaDestroySurfaces(d.dpy, &id, 1))
}

func vaFieldFlags(f Field) uint32 {
	switch f {
	case FieldTop:
		return vaTopField
	case FieldBottom:
		return vaBottomField
	default:
		return 0
	}
}

func (d *VADevice) TransferSurface(s SessionHandle, src SurfaceHandle, out OutputHandle, field Field) error {
	sess, err := d.session(s)
	if err != nil {
		return err
	}
	param := &vaProcPipelineParameterBuffer{
		surface:     vaSurfaceID(uintptr(src)),
		filterFlags: vaFieldFlags(field),
	}
	return d.runPipeline(sess.vppContext, vaSurfaceID(uintptr(out)), param, nil, nil, nil)
}

// runPipeline runs one video processing pass. The reference and filter
// arrays are pinned for the duration of the call.
func (d *VADevice) runPipeline(ctx, target uint32, param *vaProcPipelineParameterBuffer, filters, past, future []uint32) error {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	if len(filters) > 0 {
		pinner.Pin(&filters[0])
		param.filters = uintptr(unsafe.Pointer(&filters[0]))
		param.numFilters = uint32(len(filters))
	}
	if len(past) > 0 {
		pinner.Pin(&past[0])
		param.forwardReferences = uintptr(unsafe.Pointer(&past[0]))
		param.numForwardReferences = uint32(len(past))
	}
	if len(future) > 0 {
		pinner.Pin(&future[0])
		param.backwardReferences = uintptr(unsafe.Pointer(&future[0]))
		param.numBackwardReferences = uint32(len(future))
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(param)), unsafe.Sizeof(*param))
	buf, err := d.createBuffer(ctx, vaProcPipelineParameterBufferType, data)
	if err != nil {
		return err
	}
	defer vaDestroyBuffer(d.dpy, buf)

	return d.render(ctx, target, []uint32{buf})
}

func vaDeintAlgorithm(m DeintMethod) int32 {
	switch m {
	case DeintBob:
		return vaDeintBob
	case DeintWeave:
		return vaDeintWeave
	case DeintMotionAdaptive:
		return vaDeintMotionAdaptive
	case DeintMotionCompensated:
		return vaDeintMotionCompensated
	default:
		return 0
	}
}

func (d *VADevice) createDeintFilter(ctx uint32, method DeintMethod, field Field) (uint32, error) {
	filter := &vaProcFilterParameterBufferDeinterlacing{
		typ:       vaFilterDeinterlacing,
		algorithm: vaDeintAlgorithm(method),
	}
	if field == FieldBottom {
		filter.flags = vaDeintBottomField
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(filter)), unsafe.Sizeof(*filter))
	return d.createBuffer(ctx, vaProcFilterParameterBufferType, data)
}

func (d *VADevice) CreateTargets(count, width, height int) ([]SurfaceHandle, error) {
	if count <= 0 {
		return nil, fmt.Errorf("vaapi: target count %d", count)
	}
	ids, err := d.createSurfaces(vaRTFormatYUV420, width, height, count)
	if err != nil {
		return nil, err
	}
	out := make([]SurfaceHandle, len(ids))
	for i, id := range ids {
		out[i] = SurfaceHandle(vaSurfaceHandle(id))
	}
	return out, nil
}

func (d *VADevice) DestroyTargets(targets []SurfaceHandle) error {
	if len(targets) == 0 {
		return nil
	}
	ids := make([]uint32, len(targets))
	for i, t := range targets {
		ids[i] = vaSurfaceID(uintptr(t))
	}
	return vaError("vaDestroySurfaces", vaDestroySurfaces(d.dpy, &ids[0], int32(len(ids))))
}

func (d *VADevice) CreateContext(method DeintMethod, width, height int, targets []SurfaceHandle) (ContextHandle, error) {
	ids := make([]uint32, len(targets))
	for i, t := range targets {
		ids[i] = vaSurfaceID(uintptr(t))
	}
	config, err := d.createConfig(vaProfileNone, vaEntrypointVideoProc)
	if err != nil {
		return 0, err
	}
	ctx, err := d.createContext(config, width, height, ids)
	if err != nil {
		vaDestroyConfig(d.dpy, config)
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	h := ContextHandle(d.handle())
	d.contexts[h] = &vaVPPContext{config: config, context: ctx, method: method}
	return h, nil
}

func (d *VADevice) vppContext(ctx ContextHandle) (*vaVPPContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[ctx]
	if !ok {
		return nil, fmt.Errorf("vaapi: unknown context %d", ctx)
	}
	return c, nil
}

func (d *VADevice) DestroyContext(ctx ContextHandle) error {
	d.mu.Lock()
	c, ok := d.contexts[ctx]
	delete(d.contexts, ctx)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("vaapi: unknown context %d", ctx)
	}
	return errors.Join(
		vaError("vaDestroyContext", vaDestroyContext(d.dpy, c.context)),
		vaError("vaDestroyConfig", vaDestroyConfig(d.dpy, c.config)),
	)
}

func (d *VADevice) QueryDeinterlace(ctx ContextHandle, method DeintMethod) (DeintCaps, error) {
	c, err := d.vppContext(ctx)
	if err != nil {
		return DeintCaps{}, err
	}

	caps := make([]vaProcFilterCapDeinterlacing, vaDeinterlacingTypes)
	out := new(vaOut)
	out.num = uint32(len(caps))
	st := vaQueryVideoProcFilterCaps(d.dpy, c.context, vaFilterDeinterlacing, unsafe.Pointer(&caps[0]), &out.num)
	if err := vaError("vaQueryVideoProcFilterCaps", st); err != nil {
		return DeintCaps{}, err
	}
	want := vaDeintAlgorithm(method)
	found := false
	for i := 0; i < int(out.num) && i < len(caps); i++ {
		if caps[i].typ == want {
			found = true
			break
		}
	}
	if !found {
		return DeintCaps{}, nil
	}

	filter, err := d.createDeintFilter(c.context, method, FieldTop)
	if err != nil {
		return DeintCaps{}, err
	}
	defer vaDestroyBuffer(d.dpy, filter)

	pc := new(vaProcPipelineCaps)
	st = vaQueryVideoProcPipelineCaps(d.dpy, c.context, &filter, 1, unsafe.Pointer(pc))
	if err := vaError("vaQueryVideoProcPipelineCaps", st); err != nil {
		return DeintCaps{}, err
	}

	// VA-API calls past pictures forward references.
	return DeintCaps{
		Supported:          true,
		ForwardReferences:  int(pc.numBackwardReferences),
		BackwardReferences: int(pc.numForwardReferences),
	}, nil
}

func (d *VADevice) Deinterlace(ctx ContextHandle, req DeintRequest) error {
	c, err := d.vppContext(ctx)
	if err != nil {
		return err
	}

	filter, err := d.createDeintFilter(c.context, c.method, req.Field)
	if err != nil {
		return err
	}
	defer vaDestroyBuffer(d.dpy, filter)

	past := make([]uint32, len(req.Backward))
	for i, h := range req.Backward {
		past[i] = vaSurfaceID(uintptr(h))
	}
	future := make([]uint32, len(req.Forward))
	for i, h := range req.Forward {
		future[i] = vaSurfaceID(uintptr(h))
	}

	param := &vaProcPipelineParameterBuffer{surface: vaSurfaceID(uintptr(req.Input))}
	return d.runPipeline(c.context, vaSurfaceID(uintptr(req.Target)), param, []uint32{filter}, past, future)
}
