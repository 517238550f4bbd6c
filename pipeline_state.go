package hwdec

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// pipelineState is a node of the hierarchical actor state machine.
type pipelineState int

const (
	stateTop pipelineState = iota
	stateError
	stateUnconfigured
	stateConfigured
	stateWaitResource1
	stateWaitDecode
	stateStep1
	stateWaitResource2
	stateStep2
)

// parentState maps each state to the state that handles what it ignores.
var parentState = [...]pipelineState{
	stateTop:           -1,
	stateError:         stateTop,
	stateUnconfigured:  stateTop,
	stateConfigured:    stateTop,
	stateWaitResource1: stateConfigured,
	stateWaitDecode:    stateConfigured,
	stateStep1:         stateConfigured,
	stateWaitResource2: stateConfigured,
	stateStep2:         stateConfigured,
}

func (s pipelineState) String() string {
	switch s {
	case stateTop:
		return "top"
	case stateError:
		return "error"
	case stateUnconfigured:
		return "unconfigured"
	case stateConfigured:
		return "configured"
	case stateWaitResource1:
		return "wait-resource1"
	case stateWaitDecode:
		return "wait-decode"
	case stateStep1:
		return "step1"
	case stateWaitResource2:
		return "wait-resource2"
	case stateStep2:
		return "step2"
	default:
		return "unknown"
	}
}

type signal int

const (
	sigControl signal = iota
	sigData
	sigTimeout
)

// dispatch offers a signal to the current state and then to its parents
// until one of them handles it.
func (p *outputPipeline) dispatch(sig signal, ctl *controlMsg, data *dataMsg) {
	for s := p.state; s >= 0; s = parentState[s] {
		if p.transition(s, sig, ctl, data) {
			return
		}
	}
}

// transition is the state table. It returns true if state s handled sig.
func (p *outputPipeline) transition(s pipelineState, sig signal, ctl *controlMsg, data *dataMsg) bool {
	switch s {
	case stateTop:
		switch {
		case sig == sigControl:
			switch ctl.kind {
			case ctlFlush, ctlPrecleanup:
				p.flush()
				ctl.reply <- nil
			case ctlDispose:
				p.flush()
				p.dispose()
				p.setState(stateUnconfigured)
				p.timeout = timeoutIdle
				ctl.reply <- nil
			default:
				p.log.WithFields(logrus.Fields{
					"function": "transition",
					"signal":   ctl.kind.String(),
					"state":    p.state.String(),
				}).Warn("Control message not handled")
				ctl.reply <- errors.New("output pipeline not in a state to accept " + ctl.kind.String())
			}
		case sig == sigData && data.kind == dataReturnPicture:
			p.processReturnPicture(data.picture)
		case sig == sigData && data.kind == dataNewFrame:
			p.log.WithFields(logrus.Fields{
				"function": "transition",
				"state":    p.state.String(),
				"surface":  data.decoded.Surface.Index(),
			}).Warn("Dropping picture, output not configured")
			p.releaseSurface(data.decoded.Surface)
			p.cfg.stats.decDecoded()
			p.cfg.stats.addDropped()
			p.notify(nil)
		}
		return true

	case stateError:
		p.timeout = timeoutIdle
		return false

	case stateUnconfigured:
		if sig == sigControl && ctl.kind == ctlInit {
			if err := p.configure(ctl.init); err != nil {
				p.fail(err)
				ctl.reply <- err
				return true
			}
			p.setState(stateWaitResource1)
			p.timeout = 0
			ctl.reply <- nil
			return true
		}
		return false

	case stateConfigured:
		switch sig {
		case sigControl:
			switch ctl.kind {
			case ctlFlush:
				p.setState(stateWaitResource1)
				p.flush()
				ctl.reply <- nil
				return true
			case ctlPrecleanup:
				p.setState(stateUnconfigured)
				p.timeout = timeoutPrecleanup
				p.flush()
				p.releaseOutputs(true)
				ctl.reply <- nil
				return true
			}
		case sigData:
			switch data.kind {
			case dataNewFrame:
				p.decoded = append(p.decoded, data.decoded)
				p.timeout = 0
				return true
			case dataReturnPicture:
				p.processReturnPicture(data.picture)
				p.notify(nil)
				p.timeout = 0
				return true
			}
		}
		return false

	case stateWaitResource1:
		if sig != sigTimeout {
			return false
		}
		if len(p.decoded) > 0 && p.findFreeSurface() >= 0 && p.cfg.arena.hasFree() {
			p.setState(stateWaitDecode)
			p.selfTrigger = true
		} else {
			p.timeout = timeoutResource
		}
		return true

	case stateWaitDecode:
		if sig != sigTimeout {
			return false
		}
		done, err := p.isDecodingFinished()
		switch {
		case err != nil:
			p.fail(err)
		case done:
			p.setState(stateStep1)
			p.selfTrigger = true
		default:
			p.timeout = timeoutDecodePoll
		}
		return true

	case stateStep1:
		if sig != sigTimeout {
			return false
		}
		pic := p.decoded[0]
		p.decoded = p.decoded[1:]
		p.processing = &pic
		p.initCycle()
		if out, ok := p.processPicture(); ok {
			p.emit(out)
		}
		if p.hwErr != nil {
			p.fail(p.hwErr)
			return true
		}
		if p.deinterlacing && !p.deintSkip && p.produced {
			p.setState(stateWaitResource2)
		} else {
			p.finiCycle()
			p.setState(stateWaitResource1)
		}
		p.timeout = 0
		return true

	case stateWaitResource2:
		if sig != sigTimeout {
			return false
		}
		if p.findFreeSurface() >= 0 && p.cfg.arena.hasFree() {
			p.setState(stateStep2)
			p.selfTrigger = true
		} else {
			p.timeout = timeoutResource
		}
		return true

	case stateStep2:
		if sig != sigTimeout {
			return false
		}
		p.step = 1
		if out, ok := p.processPicture(); ok {
			p.emit(out)
		}
		if p.hwErr != nil {
			p.fail(p.hwErr)
			return true
		}
		p.finiCycle()
		p.setState(stateWaitResource1)
		p.timeout = 0
		return true
	}

	p.log.WithFields(logrus.Fields{
		"function": "transition",
		"state":    s.String(),
	}).Error("No valid state")
	return true
}

// configure sets up output surfaces and the deinterlacer for a session.
func (p *outputPipeline) configure(init pipelineInit) error {
	if p.outputs != nil {
		p.releaseOutputs(false)
	}
	p.init = init
	p.hwErr = nil
	p.processing = nil

	outputs := make([]outputSurface, 0, p.cfg.outputSurfaces)
	for i := 0; i < p.cfg.outputSurfaces; i++ {
		p.cfg.apiMu.Lock()
		h, err := p.cfg.dev.CreateOutputSurface(init.session)
		p.cfg.apiMu.Unlock()
		if err != nil {
			p.outputs = outputs
			p.releaseOutputs(false)
			return allocError("output surface", err)
		}
		outputs = append(outputs, outputSurface{handle: h})
	}
	p.outputs = outputs

	if p.cfg.mode != DeinterlaceOff && p.cfg.proc != nil {
		p.deint = NewDeinterlacer(p.cfg.proc, p.cfg.registry, p.cfg.apiMu,
			init.surfaceWidth, init.surfaceHeight, p.onDeintRelease, p.log)
		if err := p.deint.Init(p.cfg.method, p.cfg.deintTargets); err != nil {
			p.log.WithFields(logrus.Fields{
				"function": "configure",
				"method":   p.cfg.method.String(),
				"error":    err.Error(),
			}).Info("Hardware deinterlacer unavailable, using field transfer")
		}
	}

	p.log.WithFields(logrus.Fields{
		"function": "configure",
		"outputs":  len(p.outputs),
		"width":    init.surfaceWidth,
		"height":   init.surfaceHeight,
	}).Debug("Output configured")
	return nil
}

// isDecodingFinished polls the surface of the oldest queued picture.
func (p *outputPipeline) isDecodingFinished() (bool, error) {
	s := p.decoded[0].Surface
	p.cfg.apiMu.Lock()
	status, err := p.cfg.dev.SyncSurface(p.init.session, s.Handle)
	p.cfg.apiMu.Unlock()
	if err != nil {
		return false, hwError("SyncSurface", err)
	}
	return status != SurfacePending, nil
}

// initCycle decides how the picture about to be processed is presented.
func (p *outputPipeline) initCycle() {
	info := &p.processing.Info
	flags := info.Flags
	interlaced := flags.Has(FlagInterlaced)
	canSkip := false

	mode := p.cfg.mode
	if !flags.Has(FlagNoPostProc) && (mode == DeinterlaceForce || (mode == DeinterlaceAuto && interlaced)) {
		p.deinterlacing = true
		p.deintSkip = false
		canSkip = true

		if flags.Has(FlagDropDeint) {
			p.deintSkip = true
		}
		// Show one field per frame during trick play.
		if p.cfg.stats.speed() != normalSpeed {
			canSkip = false
			p.deintSkip = true
		}

		if flags.Has(FlagTopFieldFirst) {
			p.field = FieldTop
		} else {
			p.field = FieldBottom
		}
	} else {
		p.deinterlacing = false
		p.field = FieldFrame
		if p.deint != nil && p.deint.Held() > 0 {
			p.deint.Reset()
		}
	}
	p.cfg.stats.setDeint(canSkip, p.deinterlacing)

	info.Flags &^= FlagTopFieldFirst | FlagRepeatTopField | FlagInterlaced
	info.Width = p.init.width
	info.Height = p.init.height
	p.step = 0
	p.produced = false
}

// finiCycle ends the processing of the current picture.
func (p *outputPipeline) finiCycle() {
	if p.processing != nil {
		s := p.processing.Surface
		p.processing = nil
		if !p.referenced(s) {
			p.releaseSurface(s)
		}
	}
	p.cfg.stats.decDecoded()
	p.notify(nil)
}

// processPicture produces one render picture from the processing slot.
func (p *outputPipeline) processPicture() (RenderPicture, bool) {
	if p.step == 1 {
		p.field = p.field.opposite()
	}

	idx := p.findFreeSurface()
	if idx < 0 {
		return RenderPicture{}, false
	}

	src := *p.processing
	input := src.Surface.Handle
	transferField := p.field
	var target SurfaceHandle

	if p.deinterlacing && p.deint != nil && p.deint.IsReady() {
		var out ProcessedPicture
		var ok bool
		if p.step == 0 {
			out, ok = p.deint.Process(src, p.field)
		} else {
			out, ok = p.deint.Reprocess(p.field)
		}
		switch {
		case ok:
			src = out.Source
			input = out.Target
			target = out.Target
			transferField = FieldFrame
		case p.deint.IsFailed():
			p.log.WithFields(logrus.Fields{
				"function": "processPicture",
				"method":   p.deint.Method().String(),
			}).Warn("Deinterlacer failed, using field transfer")
			p.deint.Reset()
		default:
			// Still collecting reference pictures.
			return RenderPicture{}, false
		}
	}

	o := &p.outputs[idx]
	p.cfg.apiMu.Lock()
	err := p.cfg.dev.TransferSurface(p.init.session, input, o.handle, transferField)
	p.cfg.apiMu.Unlock()
	if target != 0 {
		p.deint.ReleaseTarget(target)
	}
	if err != nil {
		p.hwErr = hwError("TransferSurface", err)
		return RenderPicture{}, false
	}

	info := RenderInfo{
		Picture:     src.Info,
		TexWidth:    p.init.surfaceWidth,
		TexHeight:   p.init.surfaceHeight,
		Crop:        displayCrop(src.Info),
		SourceIndex: idx,
		Output:      o.handle,
		Field:       FieldFrame,
		Valid:       true,
	}
	if p.deinterlacing {
		info.Field = p.field
		if p.step == 1 {
			info.Picture.PTS = NoPTS
			info.Picture.DTS = NoPTS
		}
		info.Picture.RepeatPicture = 0
	}

	pic, ok := p.cfg.arena.take(info)
	if !ok {
		p.log.WithField("function", "processPicture").Warn("No free render picture")
		p.cfg.stats.addDropped()
		return RenderPicture{}, false
	}
	o.used = true
	o.source = src.Surface
	o.picture = pic
	o.field = info.Field
	p.produced = true
	return pic, true
}

// findFreeSurface returns the index of an unused output surface or -1.
func (p *outputPipeline) findFreeSurface() int {
	for i := range p.outputs {
		if !p.outputs[i].used {
			return i
		}
	}
	return -1
}

// referenced reports whether anything in the pipeline still needs s.
func (p *outputPipeline) referenced(s *DecodeSurface) bool {
	if p.processing != nil && p.processing.Surface == s {
		return true
	}
	for i := range p.outputs {
		if p.outputs[i].source == s {
			return true
		}
	}
	return p.deint != nil && p.deint.References(s)
}

// releaseSurface gives a decode surface back to the codec side.
func (p *outputPipeline) releaseSurface(s *DecodeSurface) {
	if p.init.pool == nil || !p.init.pool.Contains(s) {
		return
	}
	p.init.pool.Clear(s, SurfaceUsedForRender|SurfaceDecoded)
}

func (p *outputPipeline) onDeintRelease(pic DecodedPicture) {
	if !p.referenced(pic.Surface) {
		p.releaseSurface(pic.Surface)
	}
}

// processReturnPicture recycles a picture the consumer is done with.
func (p *outputPipeline) processReturnPicture(pic RenderPicture) {
	info, err := p.cfg.arena.returnToFree(pic)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "processReturnPicture",
			"picture":  pic.String(),
			"error":    err.Error(),
		}).Warn("Picture not found")
		return
	}
	p.releaseOutput(pic, info)
}

// releasePicture recycles a picture that never left the pipeline.
func (p *outputPipeline) releasePicture(pic RenderPicture) {
	info, ok := p.cfg.arena.reclaim(pic)
	if !ok {
		return
	}
	p.releaseOutput(pic, info)
}

func (p *outputPipeline) releaseOutput(pic RenderPicture, info RenderInfo) {
	if !info.Valid {
		p.log.WithField("function", "releaseOutput").Debug("Return of invalid render picture")
		return
	}
	idx := info.SourceIndex
	if idx < 0 || idx >= len(p.outputs) || p.outputs[idx].picture != pic {
		return
	}
	o := &p.outputs[idx]
	src := o.source
	o.source = nil
	o.picture = RenderPicture{}
	o.used = false
	if src != nil && !p.referenced(src) {
		p.releaseSurface(src)
	}
}

// flush drops every picture in flight and clears its surface bits.
func (p *outputPipeline) flush() {
	for _, pic := range p.decoded {
		p.releaseSurface(pic.Surface)
	}
	p.decoded = nil

	if p.processing != nil {
		s := p.processing.Surface
		p.processing = nil
		p.releaseSurface(s)
	}

	if p.deint != nil {
		p.deint.Reset()
	}

	for {
		select {
		case m := <-p.data:
			switch m.kind {
			case dataNewFrame:
				p.releaseSurface(m.decoded.Surface)
			case dataReturnPicture:
				p.processReturnPicture(m.picture)
			}
			continue
		default:
		}
		break
	}

	for {
		select {
		case pic := <-p.pictures:
			p.releasePicture(pic)
			continue
		default:
		}
		break
	}

	p.cfg.stats.reset()
	p.statsPending.Store(false)
}

// releaseOutputs frees output surfaces. With precleanup only surfaces not
// shown by an outstanding picture are freed; the rest stay until dispose.
func (p *outputPipeline) releaseOutputs(precleanup bool) {
	for i := range p.outputs {
		o := &p.outputs[i]
		if precleanup && o.used {
			continue
		}
		if o.handle != 0 {
			p.cfg.apiMu.Lock()
			err := p.cfg.dev.DestroyOutputSurface(p.init.session, o.handle)
			p.cfg.apiMu.Unlock()
			if err != nil {
				p.log.WithFields(logrus.Fields{
					"function": "releaseOutputs",
					"index":    i,
					"error":    err.Error(),
				}).Warn("Failed to destroy output surface")
			}
			o.handle = 0
		}
		o.source = nil
		o.picture = RenderPicture{}
		o.used = true
	}

	if p.deint != nil {
		p.deint.Close()
		p.deint = nil
	}

	if !precleanup {
		p.outputs = nil
		p.cfg.arena.invalidateUsed()
	}
}

// dispose releases every hardware resource of the pipeline.
func (p *outputPipeline) dispose() {
	p.releaseOutputs(false)
	p.init = pipelineInit{}
	p.hwErr = nil
}
