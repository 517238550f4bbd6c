package hwdec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// normalSpeed is the playback speed at which both fields are shown.
const normalSpeed = 1000

// Actor timeouts.
const (
	timeoutIdle       = time.Second
	timeoutResource   = 100 * time.Millisecond
	timeoutDecodePoll = time.Millisecond
	timeoutPrecleanup = 10 * time.Second
)

type controlKind int

const (
	ctlInit controlKind = iota
	ctlFlush
	ctlPrecleanup
	ctlDispose
)

func (k controlKind) String() string {
	switch k {
	case ctlInit:
		return "init"
	case ctlFlush:
		return "flush"
	case ctlPrecleanup:
		return "precleanup"
	case ctlDispose:
		return "dispose"
	default:
		return "unknown"
	}
}

type controlMsg struct {
	kind  controlKind
	init  pipelineInit
	reply chan error
}

type dataKind int

const (
	dataNewFrame dataKind = iota
	dataReturnPicture
)

type dataMsg struct {
	kind    dataKind
	decoded DecodedPicture
	picture RenderPicture
}

// pipelineEvent is sent to the decode thread. A nil err means the buffer
// counters changed.
type pipelineEvent struct {
	err error
}

// pipelineInit is the per-session configuration passed with INIT.
type pipelineInit struct {
	session       SessionHandle
	pool          *SurfacePool
	width         int // Display size
	height        int
	surfaceWidth  int // Aligned surface size
	surfaceHeight int
}

// outputSurface is a renderer-shared surface owned by the pipeline.
type outputSurface struct {
	handle  OutputHandle
	used    bool
	source  *DecodeSurface // Decode surface the image came from
	picture RenderPicture  // Render picture showing this surface
	field   Field
}

// pipelineConfig holds the collaborators of an outputPipeline.
type pipelineConfig struct {
	dev            Device
	proc           VideoProcessor
	registry       *CapabilityRegistry
	apiMu          *sync.Mutex
	arena          *pictureArena
	stats          *bufferStats
	mode           DeinterlaceMode
	method         DeintMethod
	deintTargets   int
	outputSurfaces int
	queueSize      int
	log            *logrus.Entry
}

// outputPipeline is the decode/output actor. All fields below the channels
// are owned by the run goroutine.
type outputPipeline struct {
	cfg pipelineConfig
	log *logrus.Entry

	control  chan controlMsg
	data     chan dataMsg
	pictures chan RenderPicture
	events   chan pipelineEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendMu       sync.Mutex
	stopped      bool
	statsPending atomic.Bool
	stateView    atomic.Int32

	state         pipelineState
	timeout       time.Duration
	selfTrigger   bool
	init          pipelineInit
	decoded       []DecodedPicture
	processing    *DecodedPicture
	outputs       []outputSurface
	deint         *Deinterlacer
	deinterlacing bool
	deintSkip     bool
	field         Field
	step          int
	produced      bool
	hwErr         error
}

func newOutputPipeline(cfg pipelineConfig) *outputPipeline {
	if cfg.queueSize <= 0 {
		cfg.queueSize = DefaultMaxSurfaces
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &outputPipeline{
		cfg:      cfg,
		log:      cfg.log.WithField("component", "output"),
		control:  make(chan controlMsg, 4),
		data:     make(chan dataMsg, cfg.queueSize+2*NumRenderPictures),
		pictures: make(chan RenderPicture, NumRenderPictures),
		events:   make(chan pipelineEvent, 8),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.setState(stateUnconfigured)
	return p
}

// start launches the actor goroutine.
func (p *outputPipeline) start() {
	p.wg.Add(1)
	go p.run()
}

// stop terminates the actor and releases everything it still owns.
func (p *outputPipeline) stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *outputPipeline) run() {
	defer p.wg.Done()

	p.timeout = timeoutIdle
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		if p.selfTrigger {
			p.selfTrigger = false
			p.dispatch(sigTimeout, nil, nil)
			continue
		}

		select {
		case <-p.ctx.Done():
			p.shutdown()
			return
		case m := <-p.control:
			p.dispatch(sigControl, &m, nil)
			continue
		default:
		}

		select {
		case m := <-p.data:
			p.dispatch(sigData, nil, &m)
			continue
		default:
		}

		timer.Reset(p.timeout)
		select {
		case <-p.ctx.Done():
			p.shutdown()
			return
		case m := <-p.control:
			p.dispatch(sigControl, &m, nil)
		case m := <-p.data:
			p.dispatch(sigData, nil, &m)
		case <-timer.C:
			p.dispatch(sigTimeout, nil, nil)
		}
	}
}

// shutdown runs on the actor goroutine after cancellation.
func (p *outputPipeline) shutdown() {
	p.sendMu.Lock()
	p.stopped = true
	p.sendMu.Unlock()

	p.flush()
	p.dispose()
	p.setState(stateUnconfigured)
}

// call sends a control message and waits for the reply.
func (p *outputPipeline) call(kind controlKind, init pipelineInit, timeout time.Duration) error {
	reply := make(chan error, 1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.control <- controlMsg{kind: kind, init: init, reply: reply}:
	case <-timer.C:
		return fmt.Errorf("output %s: %w", kind, ErrTimeout)
	case <-p.ctx.Done():
		return ErrSessionClosed
	}

	select {
	case err := <-reply:
		return err
	case <-timer.C:
		return fmt.Errorf("output %s: %w", kind, ErrTimeout)
	case <-p.ctx.Done():
		return ErrSessionClosed
	}
}

// send queues a data message without blocking. It returns false if the
// actor has stopped or the queue is full; the message was not delivered.
func (p *outputPipeline) send(m dataMsg) bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.data <- m:
		return true
	default:
		p.log.WithFields(logrus.Fields{
			"function": "send",
			"queue":    cap(p.data),
		}).Error("Data queue full, message dropped")
		return false
	}
}

// notify sends an event to the decode thread without blocking.
func (p *outputPipeline) notify(err error) {
	if err == nil {
		if !p.statsPending.CompareAndSwap(false, true) {
			return
		}
	}
	select {
	case p.events <- pipelineEvent{err: err}:
	default:
		if err == nil {
			p.statsPending.Store(false)
			return
		}
		p.log.WithFields(logrus.Fields{
			"function": "notify",
			"error":    err.Error(),
		}).Error("Event queue full")
	}
}

// emit hands a render picture to the decode thread.
func (p *outputPipeline) emit(pic RenderPicture) {
	p.cfg.stats.incRender()
	select {
	case p.pictures <- pic:
	default:
		// The channel holds as many pictures as the arena, so this only
		// happens on an accounting bug.
		p.log.WithFields(logrus.Fields{
			"function": "emit",
			"picture":  pic.String(),
		}).Error("Picture queue full")
		p.cfg.stats.decRender()
		p.releasePicture(pic)
	}
}

func (p *outputPipeline) setState(s pipelineState) {
	if p.state != s {
		p.log.WithFields(logrus.Fields{
			"from": p.state.String(),
			"to":   s.String(),
		}).Trace("State change")
	}
	p.state = s
	p.stateView.Store(int32(s))
}

// currentState may be read from any goroutine.
func (p *outputPipeline) currentState() pipelineState {
	return pipelineState(p.stateView.Load())
}

// fail latches a hardware error and moves to the error state.
func (p *outputPipeline) fail(err error) {
	p.cfg.stats.addError()
	p.log.WithFields(logrus.Fields{
		"function": "fail",
		"state":    p.state.String(),
		"error":    err.Error(),
	}).Error("Output pipeline failed")
	p.setState(stateError)
	p.timeout = timeoutIdle
	p.notify(err)
}
