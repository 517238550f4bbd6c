package hwdec

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// NumRenderPictures is the size of the render picture arena. It covers the
// pictures queued in the renderer plus the ones in flight in the pipeline.
const NumRenderPictures = 9

// pictureOwner receives arena notifications. It is implemented by the
// Decoder; the arena never keeps it alive on its own behalf.
type pictureOwner interface {
	// retainRef and releaseRef track pictures held by consumers.
	retainRef()
	releaseRef()
	// returnPicture is called once a picture is no longer referenced by
	// anyone and may be recycled by the output pipeline.
	returnPicture(p RenderPicture)
}

type renderSlot struct {
	gen   uint32
	refs  int32 // consumer references
	held  bool  // pipeline has not handed the picture over yet
	inUse bool  // on the used deque
	info  RenderInfo
}

// pictureArena is the fixed pool of render pictures. Slots are addressed by
// index and generation so a handle that outlives its slot is detected.
type pictureArena struct {
	mu    sync.Mutex
	slots []renderSlot
	free  []int
	used  []int
	owner pictureOwner
	log   *logrus.Entry
}

func newPictureArena(n int, owner pictureOwner, log *logrus.Entry) *pictureArena {
	a := &pictureArena{
		slots: make([]renderSlot, n),
		free:  make([]int, 0, n),
		used:  make([]int, 0, n),
		owner: owner,
		log:   log,
	}
	for i := range a.slots {
		a.free = append(a.free, i)
	}
	return a
}

// RenderPicture is a handle to a frame ready for display. The zero value is
// not a picture.
type RenderPicture struct {
	arena *pictureArena
	index int
	gen   uint32
}

// IsZero reports whether p refers to no picture.
func (p RenderPicture) IsZero() bool { return p.arena == nil }

func (p RenderPicture) String() string {
	if p.arena == nil {
		return "RenderPicture(nil)"
	}
	return fmt.Sprintf("RenderPicture(%d/%d)", p.index, p.gen)
}

// Acquire adds a consumer reference.
func (p RenderPicture) Acquire() RenderPicture {
	if p.arena != nil {
		p.arena.acquire(p)
	}
	return p
}

// Release drops a consumer reference and returns the remaining count.
// Releasing a picture that has no references left is a no-op.
func (p RenderPicture) Release() int {
	if p.arena == nil {
		return 0
	}
	return p.arena.release(p)
}

// Info returns the picture metadata. ok is false for a stale handle.
func (p RenderPicture) Info() (info RenderInfo, ok bool) {
	if p.arena == nil {
		return RenderInfo{}, false
	}
	return p.arena.info(p)
}

// RefCount returns the consumer reference count, 0 for a stale handle.
func (p RenderPicture) RefCount() int {
	if p.arena == nil {
		return 0
	}
	p.arena.mu.Lock()
	defer p.arena.mu.Unlock()
	s, ok := p.arena.slot(p)
	if !ok {
		return 0
	}
	return int(s.refs)
}

// slot returns the slot of p if the generation still matches. Caller holds mu.
func (a *pictureArena) slot(p RenderPicture) (*renderSlot, bool) {
	if p.index < 0 || p.index >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[p.index]
	if s.gen != p.gen || !s.inUse {
		return nil, false
	}
	return s, true
}

func (a *pictureArena) misuse(op string, p RenderPicture, err error) {
	if debugChecks {
		panic(fmt.Sprintf("hwdec: %s on %v: %v", op, p, err))
	}
	a.log.WithFields(logrus.Fields{
		"function": op,
		"picture":  p.String(),
		"error":    err.Error(),
	}).Error("Render picture misuse")
}

func (a *pictureArena) acquire(p RenderPicture) {
	a.mu.Lock()
	s, ok := a.slot(p)
	if !ok {
		a.mu.Unlock()
		a.misuse("Acquire", p, ErrStaleHandle)
		return
	}
	first := s.refs == 0
	s.refs++
	a.mu.Unlock()

	if first {
		a.owner.retainRef()
	}
}

func (a *pictureArena) release(p RenderPicture) int {
	a.mu.Lock()
	s, ok := a.slot(p)
	if !ok {
		a.mu.Unlock()
		a.misuse("Release", p, ErrStaleHandle)
		return 0
	}
	if s.refs == 0 {
		a.mu.Unlock()
		a.misuse("Release", p, fmt.Errorf("reference count already 0"))
		return 0
	}
	s.refs--
	if s.refs > 0 {
		n := int(s.refs)
		a.mu.Unlock()
		return n
	}
	returnIt := !s.held
	a.mu.Unlock()

	if returnIt {
		a.owner.returnPicture(p)
	}
	a.owner.releaseRef()
	return 0
}

// claim hands a picture from the pipeline to a consumer with one reference.
func (a *pictureArena) claim(p RenderPicture) error {
	a.mu.Lock()
	s, ok := a.slot(p)
	if !ok {
		a.mu.Unlock()
		return ErrStaleHandle
	}
	first := s.refs == 0
	s.refs++
	s.held = false
	a.mu.Unlock()

	if first {
		a.owner.retainRef()
	}
	return nil
}

// returnUnused drops the pipeline hold of a picture nobody claimed.
func (a *pictureArena) returnUnused(p RenderPicture) {
	a.mu.Lock()
	s, ok := a.slot(p)
	if !ok || !s.held {
		a.mu.Unlock()
		return
	}
	s.held = false
	returnIt := s.refs == 0
	a.mu.Unlock()

	if returnIt {
		a.owner.returnPicture(p)
	}
}

// reclaim drops the pipeline hold of a picture that never reached the
// decoder and frees it. ok is false if a consumer still references it.
func (a *pictureArena) reclaim(p RenderPicture) (RenderInfo, bool) {
	a.mu.Lock()
	s, ok := a.slot(p)
	if !ok {
		a.mu.Unlock()
		return RenderInfo{}, false
	}
	s.held = false
	busy := s.refs != 0
	a.mu.Unlock()
	if busy {
		return RenderInfo{}, false
	}
	info, err := a.returnToFree(p)
	return info, err == nil
}

func (a *pictureArena) info(p RenderPicture) (RenderInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slot(p)
	if !ok {
		return RenderInfo{}, false
	}
	return s.info, true
}

// take moves a free slot to the used deque with a pipeline hold.
func (a *pictureArena) take(info RenderInfo) (RenderPicture, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return RenderPicture{}, false
	}
	idx := a.free[0]
	a.free = a.free[1:]
	a.used = append(a.used, idx)

	s := &a.slots[idx]
	s.inUse = true
	s.held = true
	s.refs = 0
	s.info = info
	return RenderPicture{arena: a, index: idx, gen: s.gen}, true
}

// returnToFree moves p back to the free deque. It returns the metadata the
// slot carried so the caller can release the backing surfaces.
func (a *pictureArena) returnToFree(p RenderPicture) (RenderInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slot(p)
	if !ok {
		return RenderInfo{}, ErrStaleHandle
	}
	if s.refs != 0 || s.held {
		return RenderInfo{}, fmt.Errorf("picture %v still referenced (refs=%d held=%v)", p, s.refs, s.held)
	}
	for i, idx := range a.used {
		if idx == p.index {
			a.used = append(a.used[:i], a.used[i+1:]...)
			break
		}
	}
	a.free = append(a.free, p.index)
	info := s.info
	s.inUse = false
	s.gen++
	s.info = RenderInfo{}
	return info, nil
}

// hasFree reports whether take would succeed.
func (a *pictureArena) hasFree() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free) > 0
}

// invalidateUsed marks every outstanding picture invalid.
func (a *pictureArena) invalidateUsed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, idx := range a.used {
		a.slots[idx].info.Valid = false
	}
}

// counts returns the number of free and used slots.
func (a *pictureArena) counts() (free, used int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free), len(a.used)
}
