package hwdec

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ReadyState is the lifecycle state of a deinterlace method.
type ReadyState int

const (
	NotReady ReadyState = iota
	Ready
	InitFailed
	RuntimeFailed
)

func (s ReadyState) String() string {
	switch s {
	case NotReady:
		return "not-ready"
	case Ready:
		return "ready"
	case InitFailed:
		return "init-failed"
	case RuntimeFailed:
		return "runtime-failed"
	default:
		return "unknown"
	}
}

// ProcessedPicture is the output of one deinterlace call.
type ProcessedPicture struct {
	Source DecodedPicture // Picture the output was computed for
	Target SurfaceHandle  // Surface holding the deinterlaced image
	Field  Field          // Field that was produced
}

type deintTarget struct {
	handle SurfaceHandle
	busy   bool
}

// Deinterlacer runs a hardware deinterlace method over a stream of decoded
// pictures, keeping the temporal neighbours the method needs.
type Deinterlacer struct {
	mu sync.Mutex

	proc     VideoProcessor
	registry *CapabilityRegistry
	apiMu    *sync.Mutex
	width    int
	height   int

	method    DeintMethod
	state     ReadyState
	ctx       ContextHandle
	targets   []deintTarget
	fwdCount  int
	bwdCount  int
	forward   []DecodedPicture
	backward  []DecodedPicture
	current   *DecodedPicture
	lastReq   DeintRequest
	lastField Field

	onRelease func(DecodedPicture)
	log       *logrus.Entry
}

// NewDeinterlacer creates an engine for width x height pictures. onRelease is
// called for every picture the engine stops referencing.
func NewDeinterlacer(proc VideoProcessor, registry *CapabilityRegistry, apiMu *sync.Mutex, width, height int, onRelease func(DecodedPicture), log *logrus.Entry) *Deinterlacer {
	if apiMu == nil {
		apiMu = &sync.Mutex{}
	}
	if log == nil {
		log = discardLog()
	}
	return &Deinterlacer{
		proc:      proc,
		registry:  registry,
		apiMu:     apiMu,
		width:     width,
		height:    height,
		lastField: FieldBottom,
		onRelease: onRelease,
		log:       log.WithField("component", "deint"),
	}
}

// Init probes method and allocates surfaceCount target surfaces. On failure
// the engine is left in InitFailed with nothing allocated and the method is
// recorded as unsupported.
func (d *Deinterlacer) Init(method DeintMethod, surfaceCount int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == Ready {
		return nil
	}
	d.method = method

	if d.registry != nil && d.registry.DeintSupport(method) == Unsupported {
		d.state = InitFailed
		return fmt.Errorf("deinterlace %s: %w", method, ErrUnsupported)
	}
	if surfaceCount <= 0 {
		d.state = InitFailed
		return fmt.Errorf("%w: deinterlace target count %d", ErrInvalidConfig, surfaceCount)
	}

	fail := func(err error) error {
		d.state = InitFailed
		if d.registry != nil {
			d.registry.SetDeintSupport(method, Unsupported)
		}
		d.log.WithFields(logrus.Fields{
			"function": "Init",
			"method":   method.String(),
			"error":    err.Error(),
		}).Debug("Deinterlace method unavailable")
		return err
	}

	d.apiMu.Lock()
	handles, err := d.proc.CreateTargets(surfaceCount, d.width, d.height)
	d.apiMu.Unlock()
	if err != nil {
		return fail(allocError("deinterlace targets", err))
	}

	d.apiMu.Lock()
	ctx, err := d.proc.CreateContext(method, d.width, d.height, handles)
	d.apiMu.Unlock()
	if err != nil {
		d.destroyTargets(handles)
		return fail(allocError("deinterlace context", err))
	}

	d.apiMu.Lock()
	caps, err := d.proc.QueryDeinterlace(ctx, method)
	d.apiMu.Unlock()
	if err == nil && !caps.Supported {
		err = ErrUnsupported
	}
	if err == nil && (caps.ForwardReferences < 0 || caps.BackwardReferences < 0) {
		err = fmt.Errorf("invalid reference counts %d/%d", caps.ForwardReferences, caps.BackwardReferences)
	}
	if err != nil {
		d.apiMu.Lock()
		d.proc.DestroyContext(ctx)
		d.apiMu.Unlock()
		d.destroyTargets(handles)
		return fail(fmt.Errorf("deinterlace %s: %w", method, err))
	}

	d.ctx = ctx
	d.targets = make([]deintTarget, len(handles))
	for i, h := range handles {
		d.targets[i] = deintTarget{handle: h}
	}
	d.fwdCount = caps.ForwardReferences
	d.bwdCount = caps.BackwardReferences
	d.state = Ready
	if d.registry != nil {
		d.registry.SetDeintSupport(method, Supported)
	}

	d.log.WithFields(logrus.Fields{
		"function": "Init",
		"method":   method.String(),
		"forward":  d.fwdCount,
		"backward": d.bwdCount,
		"targets":  len(handles),
	}).Debug("Deinterlacer initialized")
	return nil
}

func (d *Deinterlacer) destroyTargets(handles []SurfaceHandle) {
	d.apiMu.Lock()
	err := d.proc.DestroyTargets(handles)
	d.apiMu.Unlock()
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"function": "destroyTargets",
			"error":    err.Error(),
		}).Warn("Failed to destroy deinterlace targets")
	}
}

// IsReady reports whether Process may produce pictures.
func (d *Deinterlacer) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == Ready
}

// IsFailed reports whether initialization or a hardware call failed.
func (d *Deinterlacer) IsFailed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == InitFailed || d.state == RuntimeFailed
}

// State returns the ready state.
func (d *Deinterlacer) State() ReadyState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Method returns the method passed to Init.
func (d *Deinterlacer) Method() DeintMethod {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.method
}

// ReferenceCounts returns the forward and backward reference depth.
func (d *Deinterlacer) ReferenceCounts() (forward, backward int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fwdCount, d.bwdCount
}

// References reports whether the engine still needs surface s.
func (d *Deinterlacer) References(s *DecodeSurface) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.holds(s)
}

// Held returns the number of pictures the engine references.
func (d *Deinterlacer) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.forward) + len(d.backward)
	if d.current != nil && !containsSurface(d.backward, d.current.Surface) {
		n++
	}
	return n
}

func (d *Deinterlacer) holds(s *DecodeSurface) bool {
	if d.current != nil && d.current.Surface == s {
		return true
	}
	return containsSurface(d.forward, s) || containsSurface(d.backward, s)
}

func containsSurface(q []DecodedPicture, s *DecodeSurface) bool {
	for _, p := range q {
		if p.Surface == s {
			return true
		}
	}
	return false
}

// resolveField picks the field for this call and remembers it.
func (d *Deinterlacer) resolveField(f Field) Field {
	switch {
	case f < 0:
		return FieldFrame
	case f == FieldAuto:
		f = d.lastField.opposite()
	}
	d.lastField = f
	return f
}

// Process feeds pic into the reference queues. It returns false while the
// queues are filling up, when no target surface is free, or after a
// hardware failure.
func (d *Deinterlacer) Process(pic DecodedPicture, field Field) (ProcessedPicture, bool) {
	var released []DecodedPicture
	out, ok := d.process(pic, field, &released)
	d.notify(released)
	return out, ok
}

func (d *Deinterlacer) process(pic DecodedPicture, field Field, released *[]DecodedPicture) (ProcessedPicture, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Ready {
		return ProcessedPicture{}, false
	}

	d.forward = append(d.forward, pic)
	if len(d.forward) < d.fwdCount+1 {
		return ProcessedPicture{}, false
	}

	candidate := d.forward[0]
	d.forward = d.forward[1:]

	if len(d.backward) < d.bwdCount {
		d.backward = append(d.backward, candidate)
		d.setCurrent(nil, released)
		return ProcessedPicture{}, false
	}

	req := DeintRequest{
		Input:    candidate.Surface.Handle,
		Forward:  surfaceHandles(d.forward),
		Backward: surfaceHandles(d.backward),
	}
	d.setCurrent(&candidate, released)
	d.lastReq = req

	out, ok := d.run(candidate, d.resolveField(field))

	d.backward = append(d.backward, candidate)
	if len(d.backward) > d.bwdCount {
		evicted := d.backward[0]
		d.backward = d.backward[1:]
		d.retire(evicted, released)
	}
	return out, ok
}

// Reprocess runs the last candidate again with field, reusing its reference
// set. It is used to produce the second field of a frame.
func (d *Deinterlacer) Reprocess(field Field) (ProcessedPicture, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Ready || d.current == nil {
		return ProcessedPicture{}, false
	}
	return d.run(*d.current, d.resolveField(field))
}

// run performs the hardware call. Caller holds mu.
func (d *Deinterlacer) run(src DecodedPicture, field Field) (ProcessedPicture, bool) {
	ti := -1
	for i := range d.targets {
		if !d.targets[i].busy {
			ti = i
			break
		}
	}
	if ti < 0 {
		d.log.WithField("function", "Process").Warn("Running out of deinterlace surfaces")
		return ProcessedPicture{}, false
	}

	req := d.lastReq
	req.Input = src.Surface.Handle
	req.Target = d.targets[ti].handle
	req.Field = field

	d.apiMu.Lock()
	err := d.proc.Deinterlace(d.ctx, req)
	d.apiMu.Unlock()
	if err != nil {
		d.state = RuntimeFailed
		d.log.WithFields(logrus.Fields{
			"function": "Process",
			"method":   d.method.String(),
			"error":    err.Error(),
		}).Error("Deinterlace call failed")
		return ProcessedPicture{}, false
	}

	d.targets[ti].busy = true
	return ProcessedPicture{Source: src, Target: req.Target, Field: field}, true
}

// ReleaseTarget makes a target surface returned by Process available again.
func (d *Deinterlacer) ReleaseTarget(h SurfaceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.targets {
		if d.targets[i].handle == h {
			d.targets[i].busy = false
			return
		}
	}
}

// setCurrent replaces the current candidate. Caller holds mu.
func (d *Deinterlacer) setCurrent(pic *DecodedPicture, released *[]DecodedPicture) {
	old := d.current
	d.current = pic
	if old != nil {
		d.retire(*old, released)
	}
}

// retire queues pic for onRelease if nothing references it any more.
// Caller holds mu.
func (d *Deinterlacer) retire(pic DecodedPicture, released *[]DecodedPicture) {
	if d.holds(pic.Surface) {
		return
	}
	*released = append(*released, pic)
}

func (d *Deinterlacer) notify(released []DecodedPicture) {
	if d.onRelease == nil {
		return
	}
	for _, p := range released {
		d.onRelease(p)
	}
}

// Reset drops all reference pictures.
func (d *Deinterlacer) Reset() {
	d.mu.Lock()
	var released []DecodedPicture
	released = append(released, d.forward...)
	released = append(released, d.backward...)
	if d.current != nil && !containsSurface(released, d.current.Surface) {
		released = append(released, *d.current)
	}
	d.forward = nil
	d.backward = nil
	d.current = nil
	d.lastReq = DeintRequest{}
	d.lastField = FieldBottom
	for i := range d.targets {
		d.targets[i].busy = false
	}
	d.mu.Unlock()

	d.notify(released)
}

// Close resets the engine and frees its hardware resources.
func (d *Deinterlacer) Close() {
	d.Reset()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Ready || d.state == RuntimeFailed {
		d.apiMu.Lock()
		if err := d.proc.DestroyContext(d.ctx); err != nil {
			d.log.WithFields(logrus.Fields{
				"function": "Close",
				"error":    err.Error(),
			}).Warn("Failed to destroy deinterlace context")
		}
		d.apiMu.Unlock()
		handles := make([]SurfaceHandle, len(d.targets))
		for i, t := range d.targets {
			handles[i] = t.handle
		}
		d.destroyTargets(handles)
	}
	d.ctx = 0
	d.targets = nil
	d.state = NotReady
}

func surfaceHandles(q []DecodedPicture) []SurfaceHandle {
	if len(q) == 0 {
		return nil
	}
	h := make([]SurfaceHandle, len(q))
	for i, p := range q {
		h[i] = p.Surface.Handle
	}
	return h
}
