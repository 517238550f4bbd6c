package hwdec

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Decoder drives one hardware decode session and its output pipeline.
//
// Decode, GetPicture, Reset, Check and the surface calls are made from the
// decoding goroutine. Render pictures may be released from any goroutine.
// OnLostDevice and OnResetDevice may be called from any goroutine.
type Decoder struct {
	mu sync.Mutex // Decoding goroutine section

	cfg      Config
	params   StreamParams
	apiMu    sync.Mutex // Serializes hardware calls
	registry *CapabilityRegistry
	stats    *bufferStats
	arena    *pictureArena
	pipe     *outputPipeline
	sess     *session
	log      *logrus.Entry
	id       string

	stateMu sync.Mutex
	state   DisplayState
	err     error
	resetCh chan struct{}

	present RenderPicture
	drain   bool
	flushed bool // Next Decode reports StatusFlushed

	refs     atomic.Int32
	closing  atomic.Bool
	finalize sync.Once
	done     chan struct{}
}

// Open creates a decoder for a stream and its hardware session.
func Open(cfg Config, params StreamParams) (*Decoder, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("%w: no device", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		cfg.Registry = NewCapabilityRegistry(nil)
	}

	log, id := newSessionLog(cfg.Logger)
	d := &Decoder{
		cfg:      cfg,
		params:   params,
		registry: cfg.Registry,
		stats:    newBufferStats(),
		log:      log,
		id:       id,
		resetCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	d.arena = newPictureArena(NumRenderPictures, d, log)
	d.pipe = newOutputPipeline(pipelineConfig{
		dev:            cfg.Device,
		proc:           cfg.Processor,
		registry:       cfg.Registry,
		apiMu:          &d.apiMu,
		arena:          d.arena,
		stats:          d.stats,
		mode:           cfg.Deinterlace,
		method:         cfg.DeintMethod,
		deintTargets:   cfg.DeintTargets,
		outputSurfaces: cfg.OutputSurfaces,
		queueSize:      cfg.MaxSurfaces,
		log:            log,
	})
	d.pipe.start()
	d.registry.Retain()

	if err := d.createSession(); err != nil {
		d.pipe.stop()
		d.registry.Release()
		close(d.done)
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"function": "Open",
		"width":    params.Width,
		"height":   params.Height,
		"deint":    cfg.Deinterlace.String(),
	}).Info("Decoder opened")
	return d, nil
}

// ID returns the session id used in log entries.
func (d *Decoder) ID() string { return d.id }

// createSession allocates the hardware session and configures the output.
func (d *Decoder) createSession() error {
	sess, err := createSession(d.cfg.Device, &d.apiMu, d.params, d.cfg.MaxSurfaces,
		d.cfg.SurfaceSyncTimeout, d.cfg.SyncPollInterval, d.log)
	if err != nil {
		return err
	}

	init := pipelineInit{
		session:       sess.handle,
		pool:          sess.pool,
		width:         d.params.Width,
		height:        d.params.Height,
		surfaceWidth:  sess.params.Width,
		surfaceHeight: sess.params.Height,
	}
	if err := d.pipe.call(ctlInit, init, d.cfg.ActorTimeout); err != nil {
		sess.destroy()
		return err
	}

	d.sess = sess
	d.setState(DisplayOpen, nil)
	return nil
}

// destroySession tears the hardware session down. With precleanup the
// output keeps the surfaces of outstanding pictures.
func (d *Decoder) destroySession(precleanup bool) {
	if precleanup {
		if err := d.pipe.call(ctlPrecleanup, pipelineInit{}, d.cfg.ActorTimeout); err != nil {
			d.log.WithFields(logrus.Fields{
				"function": "destroySession",
				"error":    err.Error(),
			}).Error("Output precleanup failed")
			d.setState(DisplayError, err)
		}
	} else if err := d.pipe.call(ctlDispose, pipelineInit{}, d.cfg.ActorTimeout); err != nil {
		d.log.WithFields(logrus.Fields{
			"function": "destroySession",
			"error":    err.Error(),
		}).Error("Output dispose failed")
	}

	if d.sess != nil {
		d.sess.destroy()
		d.sess = nil
	}
}

func (d *Decoder) setState(s DisplayState, err error) {
	d.stateMu.Lock()
	d.state = s
	d.err = err
	d.stateMu.Unlock()
}

// State returns the device state as seen by the decoder.
func (d *Decoder) State() DisplayState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// Err returns the latched error, nil while the decoder is healthy.
func (d *Decoder) Err() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.err
}

// latch records a hardware failure. Only Check clears it.
func (d *Decoder) latch(err error) {
	d.stateMu.Lock()
	if d.state == DisplayOpen {
		d.state = DisplayError
		d.err = err
	}
	d.stateMu.Unlock()
}

// GetSurface returns a decode surface for the codec to decode into. The
// surface is marked as a reference until ReleaseSurface.
func (d *Decoder) GetSurface() (*DecodeSurface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing.Load() || d.sess == nil {
		return nil, ErrSessionClosed
	}
	if st := d.State(); st != DisplayOpen {
		return nil, fmt.Errorf("get surface: device %s: %w", st, d.stateError())
	}

	surf, err := d.sess.getOrCreateSurface()
	if err != nil {
		d.latch(err)
		return nil, err
	}
	d.sess.pool.Mark(surf, SurfaceUsedForReference)
	d.sess.pool.Clear(surf, SurfaceDecoded)
	return surf, nil
}

// ReleaseSurface drops the codec's reference to surf.
func (d *Decoder) ReleaseSurface(surf *DecodeSurface) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sess == nil || !d.sess.pool.Contains(surf) {
		return
	}
	d.sess.pool.Clear(surf, SurfaceUsedForReference)
}

// DecodeSlices submits the compressed data of one picture into surf.
func (d *Decoder) DecodeSlices(surf *DecodeSurface, params []byte, slices []Slice) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing.Load() || d.sess == nil {
		return ErrSessionClosed
	}
	if st := d.State(); st != DisplayOpen {
		return fmt.Errorf("decode slices: device %s: %w", st, d.stateError())
	}
	if !d.sess.pool.Contains(surf) {
		return fmt.Errorf("decode slices: %w", ErrInvalidConfig)
	}
	if err := d.sess.submit(surf, params, slices); err != nil {
		d.latch(err)
		return err
	}
	return nil
}

func (d *Decoder) stateError() error {
	if err := d.Err(); err != nil {
		return err
	}
	if d.State() == DisplayLost {
		return ErrDeviceLost
	}
	return ErrHardwareCall
}

// Decode hands a decoded picture to the output pipeline and collects what
// it produced. A nil pic only pumps the pipeline.
func (d *Decoder) Decode(pic *DecodedPicture) DecodeStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing.Load() || d.sess == nil || d.State() != DisplayOpen {
		return StatusError
	}

	if pic != nil {
		pool := d.sess.pool
		if !pool.Contains(pic.Surface) {
			d.log.WithField("function", "Decode").Warn("Ignoring invalid surface")
			return StatusBuffer
		}
		if pool.State(pic.Surface)&SurfaceDecoded == 0 {
			d.log.WithField("function", "Decode").Debug("Surface was not decoded")
			return StatusBuffer
		}
		pool.Mark(pic.Surface, SurfaceUsedForRender)
		d.stats.incDecoded()
		if !d.pipe.send(dataMsg{kind: dataNewFrame, decoded: *pic}) {
			pool.Clear(pic.Surface, SurfaceUsedForRender)
			d.stats.decDecoded()
			d.stats.addDropped()
			return StatusError
		}
		d.drain = pic.Info.Flags.Has(FlagDrain)
	}

	var status DecodeStatus
	for draining := true; draining; {
		select {
		case ev := <-d.pipe.events:
			if d.handleEvent(ev) {
				status |= StatusError
			}
		default:
			draining = false
		}
	}

	start := time.Now()
	timer := time.NewTimer(d.cfg.ActorTimeout)
	defer timer.Stop()

	for status == 0 {
		select {
		case p := <-d.pipe.pictures:
			d.present = d.takePicture(p)
			status |= StatusPicture
		default:
			select {
			case ev := <-d.pipe.events:
				if d.handleEvent(ev) {
					status |= StatusError
				}
			default:
			}
		}

		decoded, render := d.stats.counts()
		if d.drain {
			if decoded+render < 2 {
				status |= StatusBuffer
			}
		} else if decoded+render < 4 {
			status |= StatusBuffer
		}

		if status != 0 {
			break
		}

		select {
		case p := <-d.pipe.pictures:
			d.present = d.takePicture(p)
			status |= StatusPicture
		case ev := <-d.pipe.events:
			if d.handleEvent(ev) {
				status |= StatusError
			}
		case <-timer.C:
			err := fmt.Errorf("decode: waiting for output: %w", ErrTimeout)
			d.log.WithFields(logrus.Fields{
				"function": "Decode",
				"decoded":  decoded,
				"render":   render,
			}).Error("Timeout waiting for output")
			d.latch(err)
			status |= StatusError
		}
	}

	d.stats.setLatency(time.Since(start))
	if d.flushed {
		d.flushed = false
		status |= StatusFlushed
	}
	return status
}

// takePicture replaces the present picture with p.
func (d *Decoder) takePicture(p RenderPicture) RenderPicture {
	if !d.present.IsZero() {
		d.arena.returnUnused(d.present)
	}
	d.stats.decRender()
	return p
}

// handleEvent returns true for an error event.
func (d *Decoder) handleEvent(ev pipelineEvent) bool {
	if ev.err == nil {
		d.pipe.statsPending.Store(false)
		return false
	}
	d.latch(ev.err)
	return true
}

// GetPicture returns the picture reported by the last Decode with one
// reference the caller must Release.
func (d *Decoder) GetPicture() (RenderPicture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.present.IsZero() {
		return RenderPicture{}, ErrNoPicture
	}
	p := d.present
	d.present = RenderPicture{}
	if err := d.arena.claim(p); err != nil {
		return RenderPicture{}, err
	}
	return p, nil
}

// Reset drops every picture in flight. The codec has to restart from a
// keyframe afterwards.
func (d *Decoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.present.IsZero() {
		d.arena.returnUnused(d.present)
		d.present = RenderPicture{}
	}
	d.drain = false

	if d.closing.Load() || d.State() != DisplayOpen {
		return nil
	}
	if err := d.pipe.call(ctlFlush, pipelineInit{}, d.cfg.ActorTimeout); err != nil {
		d.log.WithFields(logrus.Fields{
			"function": "Reset",
			"error":    err.Error(),
		}).Error("Flush failed")
		d.latch(err)
		return err
	}
	d.flushed = true
	return nil
}

// Check performs recovery after a device loss or a latched error. It
// reports DeviceFlushed when the session was recreated.
func (d *Decoder) Check() (DeviceState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing.Load() {
		return DeviceFatal, ErrSessionClosed
	}

	if d.State() == DisplayLost {
		d.log.WithField("function", "Check").Info("Waiting for device reset")
		timer := time.NewTimer(d.cfg.ResetWait)
		select {
		case <-d.resetCh:
			timer.Stop()
		case <-timer.C:
			d.log.WithField("function", "Check").Error("Device was not reset in time")
			d.setState(DisplayReset, ErrDeviceLost)
		}
	}

	st := d.State()
	if st == DisplayOpen {
		return DeviceOK, nil
	}

	d.log.WithFields(logrus.Fields{
		"function": "Check",
		"state":    st.String(),
	}).Info("Recreating decode session")

	if !d.present.IsZero() {
		d.arena.returnUnused(d.present)
		d.present = RenderPicture{}
	}
	d.destroySession(false)
	d.stats.reset()
	d.drain = false

	if err := d.createSession(); err != nil {
		d.setState(DisplayError, err)
		d.log.WithFields(logrus.Fields{
			"function": "Check",
			"error":    err.Error(),
		}).Error("Failed to recreate decode session")
		return DeviceFatal, err
	}
	d.flushed = true
	return DeviceFlushed, nil
}

// OnLostDevice marks the device lost. Decoding stops until OnResetDevice
// and a following Check.
func (d *Decoder) OnLostDevice() {
	d.stateMu.Lock()
	d.state = DisplayLost
	d.err = ErrDeviceLost
	d.stateMu.Unlock()

	select {
	case <-d.resetCh:
	default:
	}
	d.log.WithField("function", "OnLostDevice").Info("Device lost")
}

// OnResetDevice signals that a lost device is usable again.
func (d *Decoder) OnResetDevice() {
	d.stateMu.Lock()
	if d.state == DisplayLost {
		d.state = DisplayReset
		d.err = nil
	}
	d.stateMu.Unlock()

	select {
	case d.resetCh <- struct{}{}:
	default:
	}
	d.log.WithField("function", "OnResetDevice").Info("Device reset")
}

// SetSpeed sets the playback speed. 1000 is normal speed; at any other
// speed only one field per frame is shown.
func (d *Decoder) SetSpeed(speed int) { d.stats.setSpeed(speed) }

// CanSkipDeint reports whether the second field of the current picture may
// be dropped by setting FlagDropDeint.
func (d *Decoder) CanSkipDeint() bool { return d.stats.canSkipDeint() }

// Stats returns decoder statistics.
func (d *Decoder) Stats() Stats { return d.stats.get() }

// Supports returns the cached support state of a deinterlace method.
func (d *Decoder) Supports(method DeintMethod) SupportState {
	return d.registry.DeintSupport(method)
}

// Close releases the decoder. Hardware resources still showing outstanding
// pictures are kept until the last of them is released.
func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.closing.Swap(true) {
		d.mu.Unlock()
		return nil
	}
	if !d.present.IsZero() {
		d.arena.returnUnused(d.present)
		d.present = RenderPicture{}
	}
	d.destroySession(true)
	err := d.Err()
	d.mu.Unlock()

	if d.refs.Load() == 0 {
		d.finish()
	}
	if errors.Is(err, ErrDeviceLost) {
		return nil
	}
	return err
}

// Done is closed once every hardware resource has been released.
func (d *Decoder) Done() <-chan struct{} { return d.done }

func (d *Decoder) finish() {
	d.finalize.Do(func() {
		if err := d.pipe.call(ctlDispose, pipelineInit{}, d.cfg.ActorTimeout); err != nil {
			d.log.WithFields(logrus.Fields{
				"function": "finish",
				"error":    err.Error(),
			}).Warn("Output dispose failed")
		}
		d.pipe.stop()
		d.registry.Release()
		close(d.done)
		d.log.WithField("function", "finish").Info("Decoder released")
	})
}

func (d *Decoder) retainRef() { d.refs.Add(1) }

func (d *Decoder) releaseRef() {
	if d.refs.Add(-1) == 0 && d.closing.Load() {
		d.finish()
	}
}

func (d *Decoder) returnPicture(p RenderPicture) {
	if d.pipe.send(dataMsg{kind: dataReturnPicture, picture: p}) {
		return
	}
	if _, err := d.arena.returnToFree(p); err != nil {
		d.log.WithFields(logrus.Fields{
			"function": "returnPicture",
			"picture":  p.String(),
			"error":    err.Error(),
		}).Warn("Failed to return picture")
	}
}
