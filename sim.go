package hwdec

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSimInjected is returned by SimDevice calls failed on purpose.
var ErrSimInjected = errors.New("injected failure")

// SimTransfer records one SimDevice.TransferSurface call.
type SimTransfer struct {
	Src   SurfaceHandle
	Out   OutputHandle
	Field Field
}

type simSurface struct {
	session SessionHandle
	pending int // Sync polls left before the surface is ready
}

// SimDevice is an in-process emulation of decode and post-processing
// hardware. It implements Device and VideoProcessor and is safe for
// concurrent use.
type SimDevice struct {
	mu sync.Mutex

	next     uintptr
	sessions map[SessionHandle]SessionParams
	buffers  map[BufferHandle]BufferKind
	surfaces map[SurfaceHandle]*simSurface
	outputs  map[OutputHandle]SessionHandle
	targets  map[SurfaceHandle]bool
	contexts map[ContextHandle]DeintMethod
	caps     map[DeintMethod]DeintCaps

	failures      map[string]int
	stall         bool
	decodeLatency int

	decodes   int
	transfers []SimTransfer
	deints    []DeintRequest
}

// NewSimDevice returns a device where bob and weave need no references,
// motion-adaptive needs one in each direction and motion-compensated is
// not supported.
func NewSimDevice() *SimDevice {
	return &SimDevice{
		sessions: make(map[SessionHandle]SessionParams),
		buffers:  make(map[BufferHandle]BufferKind),
		surfaces: make(map[SurfaceHandle]*simSurface),
		outputs:  make(map[OutputHandle]SessionHandle),
		targets:  make(map[SurfaceHandle]bool),
		contexts: make(map[ContextHandle]DeintMethod),
		caps: map[DeintMethod]DeintCaps{
			DeintWeave:          {Supported: true},
			DeintBob:            {Supported: true},
			DeintMotionAdaptive: {Supported: true, ForwardReferences: 1, BackwardReferences: 1},
		},
		failures: make(map[string]int),
	}
}

// FailNext makes the next call of op fail. op is a method name such as
// "TransferSurface".
func (d *SimDevice) FailNext(op string) { d.SetFailures(op, 1) }

// SetFailures makes the next n calls of op fail. A negative n fails every
// call until reset with 0.
func (d *SimDevice) SetFailures(op string, n int) {
	d.mu.Lock()
	d.failures[op] = n
	d.mu.Unlock()
}

// SetStall keeps every surface pending while on.
func (d *SimDevice) SetStall(on bool) {
	d.mu.Lock()
	d.stall = on
	d.mu.Unlock()
}

// SetDecodeLatency sets how many sync polls a decode stays pending.
func (d *SimDevice) SetDecodeLatency(polls int) {
	d.mu.Lock()
	d.decodeLatency = polls
	d.mu.Unlock()
}

// SetDeintCaps overrides what QueryDeinterlace reports for m.
func (d *SimDevice) SetDeintCaps(m DeintMethod, caps DeintCaps) {
	d.mu.Lock()
	d.caps[m] = caps
	d.mu.Unlock()
}

// check consumes an injected failure. Caller holds mu.
func (d *SimDevice) check(op string) error {
	n := d.failures[op]
	if n == 0 {
		return nil
	}
	if n > 0 {
		d.failures[op] = n - 1
	}
	return &HardwareError{Op: op, Status: -1, Err: ErrSimInjected}
}

func (d *SimDevice) handle() uintptr {
	d.next++
	return d.next
}

func (d *SimDevice) CreateSession(params SessionParams) (SessionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("CreateSession"); err != nil {
		return 0, err
	}
	if params.Width <= 0 || params.Height <= 0 {
		return 0, fmt.Errorf("sim: invalid size %dx%d", params.Width, params.Height)
	}
	h := SessionHandle(d.handle())
	d.sessions[h] = params
	return h, nil
}

func (d *SimDevice) DestroySession(s SessionHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[s]; !ok {
		return fmt.Errorf("sim: unknown session %d", s)
	}
	delete(d.sessions, s)
	return nil
}

func (d *SimDevice) CreateBuffer(s SessionHandle, kind BufferKind) (BufferHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("CreateBuffer"); err != nil {
		return 0, err
	}
	if _, ok := d.sessions[s]; !ok {
		return 0, fmt.Errorf("sim: unknown session %d", s)
	}
	h := BufferHandle(d.handle())
	d.buffers[h] = kind
	return h, nil
}

func (d *SimDevice) DestroyBuffer(s SessionHandle, b BufferHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[b]; !ok {
		return fmt.Errorf("sim: unknown buffer %d", b)
	}
	delete(d.buffers, b)
	return nil
}

func (d *SimDevice) CreateSurface(s SessionHandle) (SurfaceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("CreateSurface"); err != nil {
		return 0, err
	}
	if _, ok := d.sessions[s]; !ok {
		return 0, fmt.Errorf("sim: unknown session %d", s)
	}
	h := SurfaceHandle(d.handle())
	d.surfaces[h] = &simSurface{session: s}
	return h, nil
}

func (d *SimDevice) DestroySurface(s SessionHandle, surface SurfaceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.surfaces[surface]; !ok {
		return fmt.Errorf("sim: unknown surface %d", surface)
	}
	delete(d.surfaces, surface)
	return nil
}

func (d *SimDevice) Decode(s SessionHandle, job DecodeJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("Decode"); err != nil {
		return err
	}
	surf, ok := d.surfaces[job.Surface]
	if !ok || surf.session != s {
		return fmt.Errorf("sim: surface %d not in session %d", job.Surface, s)
	}
	if len(job.SliceControl) != len(job.Slices) {
		return fmt.Errorf("sim: %d slice buffers for %d slices", len(job.SliceControl), len(job.Slices))
	}
	surf.pending = d.decodeLatency
	d.decodes++
	return nil
}

func (d *SimDevice) SyncSurface(s SessionHandle, surface SurfaceHandle) (SurfaceStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("SyncSurface"); err != nil {
		return SurfaceReady, err
	}
	surf, ok := d.surfaces[surface]
	if !ok {
		return SurfaceReady, fmt.Errorf("sim: unknown surface %d", surface)
	}
	if d.stall {
		return SurfacePending, nil
	}
	if surf.pending > 0 {
		surf.pending--
		return SurfacePending, nil
	}
	return SurfaceReady, nil
}

func (d *SimDevice) CreateOutputSurface(s SessionHandle) (OutputHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("CreateOutputSurface"); err != nil {
		return 0, err
	}
	if _, ok := d.sessions[s]; !ok {
		return 0, fmt.Errorf("sim: unknown session %d", s)
	}
	h := OutputHandle(d.handle())
	d.outputs[h] = s
	return h, nil
}

func (d *SimDevice) DestroyOutputSurface(s SessionHandle, out OutputHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.outputs[out]; !ok {
		return fmt.Errorf("sim: unknown output surface %d", out)
	}
	delete(d.outputs, out)
	return nil
}

func (d *SimDevice) TransferSurface(s SessionHandle, src SurfaceHandle, out OutputHandle, field Field) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("TransferSurface"); err != nil {
		return err
	}
	if _, ok := d.outputs[out]; !ok {
		return fmt.Errorf("sim: unknown output surface %d", out)
	}
	if _, ok := d.surfaces[src]; !ok && !d.targets[src] {
		return fmt.Errorf("sim: unknown source surface %d", src)
	}
	d.transfers = append(d.transfers, SimTransfer{Src: src, Out: out, Field: field})
	return nil
}

func (d *SimDevice) CreateTargets(count, width, height int) ([]SurfaceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("CreateTargets"); err != nil {
		return nil, err
	}
	out := make([]SurfaceHandle, count)
	for i := range out {
		out[i] = SurfaceHandle(d.handle())
		d.targets[out[i]] = true
	}
	return out, nil
}

func (d *SimDevice) DestroyTargets(targets []SurfaceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range targets {
		delete(d.targets, t)
	}
	return nil
}

func (d *SimDevice) CreateContext(method DeintMethod, width, height int, targets []SurfaceHandle) (ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("CreateContext"); err != nil {
		return 0, err
	}
	h := ContextHandle(d.handle())
	d.contexts[h] = method
	return h, nil
}

func (d *SimDevice) DestroyContext(ctx ContextHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[ctx]; !ok {
		return fmt.Errorf("sim: unknown context %d", ctx)
	}
	delete(d.contexts, ctx)
	return nil
}

func (d *SimDevice) QueryDeinterlace(ctx ContextHandle, method DeintMethod) (DeintCaps, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("QueryDeinterlace"); err != nil {
		return DeintCaps{}, err
	}
	if _, ok := d.contexts[ctx]; !ok {
		return DeintCaps{}, fmt.Errorf("sim: unknown context %d", ctx)
	}
	return d.caps[method], nil
}

func (d *SimDevice) Deinterlace(ctx ContextHandle, req DeintRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("Deinterlace"); err != nil {
		return err
	}
	if _, ok := d.contexts[ctx]; !ok {
		return fmt.Errorf("sim: unknown context %d", ctx)
	}
	if !d.targets[req.Target] {
		return fmt.Errorf("sim: unknown target %d", req.Target)
	}
	req.Forward = append([]SurfaceHandle(nil), req.Forward...)
	req.Backward = append([]SurfaceHandle(nil), req.Backward...)
	d.deints = append(d.deints, req)
	return nil
}

// Decodes returns the number of decode jobs accepted.
func (d *SimDevice) Decodes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decodes
}

// Transfers returns the recorded surface transfers.
func (d *SimDevice) Transfers() []SimTransfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SimTransfer(nil), d.transfers...)
}

// DeintCalls returns the recorded deinterlace requests.
func (d *SimDevice) DeintCalls() []DeintRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeintRequest(nil), d.deints...)
}

// SimResources counts live hardware objects.
type SimResources struct {
	Sessions int
	Buffers  int
	Surfaces int
	Outputs  int
	Targets  int
	Contexts int
}

// Resources returns the number of live objects of each kind.
func (d *SimDevice) Resources() SimResources {
	d.mu.Lock()
	defer d.mu.Unlock()
	return SimResources{
		Sessions: len(d.sessions),
		Buffers:  len(d.buffers),
		Surfaces: len(d.surfaces),
		Outputs:  len(d.outputs),
		Targets:  len(d.targets),
		Contexts: len(d.contexts),
	}
}
