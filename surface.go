package hwdec

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SurfaceState is the usage bitmask of a decode surface.
type SurfaceState uint32

const (
	SurfaceUsedForRender    SurfaceState = 1 // Held by the output pipeline
	SurfaceUsedForReference SurfaceState = 2 // Held by the codec for prediction
	SurfaceDecoded          SurfaceState = 4 // Holds a decoded frame
)

// surfaceInUse are the bits that keep a surface away from the codec.
const surfaceInUse = SurfaceUsedForRender | SurfaceUsedForReference

func (s SurfaceState) String() string {
	if s == 0 {
		return "free"
	}
	var b []byte
	if s&SurfaceUsedForRender != 0 {
		b = append(b, 'R')
	}
	if s&SurfaceUsedForReference != 0 {
		b = append(b, 'F')
	}
	if s&SurfaceDecoded != 0 {
		b = append(b, 'D')
	}
	return string(b)
}

// DecodeSurface is one hardware decode target.
// The state bitmask is owned by the pool lock; read it through SurfacePool.
type DecodeSurface struct {
	Handle     SurfaceHandle
	Descriptor BufferHandle
	Slices     []BufferHandle

	index int
	state SurfaceState
}

// Index returns the position of the surface in its pool.
func (s *DecodeSurface) Index() int { return s.index }

// SurfacePool tracks the decode surfaces of one session.
type SurfacePool struct {
	mu       sync.Mutex
	surfaces []*DecodeSurface
	max      int
}

// NewSurfacePool creates an empty pool that grows up to max surfaces.
func NewSurfacePool(max int) *SurfacePool {
	return &SurfacePool{max: max}
}

// Max returns the static pool limit.
func (p *SurfacePool) Max() int { return p.max }

// Len returns the number of allocated surfaces.
func (p *SurfacePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.surfaces)
}

// FindFree returns a surface the codec may decode into and resets its state.
// A false result means a new surface has to be allocated.
func (p *SurfacePool) FindFree() (*DecodeSurface, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.surfaces {
		if s.Handle != 0 && s.state&surfaceInUse == 0 {
			s.state = 0
			return s, true
		}
	}
	return nil, false
}

// Add registers a newly created hardware surface.
func (p *SurfacePool) Add(handle SurfaceHandle, descriptor BufferHandle) (*DecodeSurface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.surfaces) >= p.max {
		return nil, allocError("surface pool exhausted", nil)
	}
	s := &DecodeSurface{
		Handle:     handle,
		Descriptor: descriptor,
		index:      len(p.surfaces),
	}
	p.surfaces = append(p.surfaces, s)
	return s, nil
}

// Contains reports whether s belongs to the pool and still has a hardware
// surface behind it.
func (p *SurfacePool) Contains(s *DecodeSurface) bool {
	if s == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.index < 0 || s.index >= len(p.surfaces) || p.surfaces[s.index] != s {
		return false
	}
	if s.Handle == 0 {
		s.state = 0
		return false
	}
	return true
}

// Mark sets bits on s.
func (p *SurfacePool) Mark(s *DecodeSurface, bits SurfaceState) {
	p.mu.Lock()
	s.state |= bits
	p.mu.Unlock()
}

// Clear removes bits from s.
func (p *SurfacePool) Clear(s *DecodeSurface, bits SurfaceState) {
	p.mu.Lock()
	s.state &^= bits
	p.mu.Unlock()
}

// State returns the usage bits of s.
func (p *SurfacePool) State(s *DecodeSurface) SurfaceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.state
}

// InUse returns the number of surfaces with any usage bit set.
func (p *SurfacePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.surfaces {
		if s.state != 0 {
			n++
		}
	}
	return n
}

// waitIdle polls the device until the surface has no pending work or the
// timeout lapses. It returns false if the wait was cut short.
func waitIdle(dev Device, session SessionHandle, h SurfaceHandle, timeout, poll time.Duration, apiMu *sync.Mutex) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		apiMu.Lock()
		status, err := dev.SyncSurface(session, h)
		apiMu.Unlock()
		if err != nil {
			return false, err
		}
		if status != SurfacePending {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(poll)
	}
}

// DestroyAll waits for outstanding decode work on every surface and frees
// them. Lapsed waits are logged; teardown always completes.
func (p *SurfacePool) DestroyAll(dev Device, session SessionHandle, timeout, poll time.Duration, apiMu *sync.Mutex, log *logrus.Entry) {
	p.mu.Lock()
	surfaces := p.surfaces
	p.surfaces = nil
	p.mu.Unlock()

	for _, s := range surfaces {
		if s.Handle == 0 {
			continue
		}
		idle, err := waitIdle(dev, session, s.Handle, timeout, poll, apiMu)
		if err != nil {
			log.WithFields(logrus.Fields{
				"function": "DestroyAll",
				"surface":  s.index,
				"error":    err.Error(),
			}).Error("Failed to sync surface")
		} else if !idle {
			log.WithFields(logrus.Fields{
				"function": "DestroyAll",
				"surface":  s.index,
				"timeout":  timeout,
			}).Error("Unfinished decoding job")
		}
	}

	for _, s := range surfaces {
		if s.Handle == 0 {
			continue
		}
		apiMu.Lock()
		err := dev.DestroySurface(session, s.Handle)
		apiMu.Unlock()
		if err != nil {
			log.WithFields(logrus.Fields{
				"function": "DestroyAll",
				"surface":  s.index,
				"error":    err.Error(),
			}).Warn("Failed to destroy surface")
		}
		p.mu.Lock()
		s.Handle = 0
		s.Descriptor = 0
		s.Slices = nil
		s.state = 0
		p.mu.Unlock()
	}
}
