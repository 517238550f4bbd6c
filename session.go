package hwdec

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// surfaceAlign is the macroblock alignment of decode surfaces.
const surfaceAlign = 16

func alignUp(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

// session owns one hardware decode session: its buffers and decode
// surfaces.
type session struct {
	dev    Device
	apiMu  *sync.Mutex
	handle SessionHandle
	params SessionParams

	descriptor BufferHandle
	data       BufferHandle
	sliceCtl   []BufferHandle

	pool         *SurfacePool
	syncTimeout  time.Duration
	pollInterval time.Duration
	log          *logrus.Entry
}

// createSession allocates a decode session with one buffer of each kind.
// Any failure releases what was already allocated.
func createSession(dev Device, apiMu *sync.Mutex, sp StreamParams, maxSurfaces int, syncTimeout, pollInterval time.Duration, log *logrus.Entry) (*session, error) {
	if maxSurfaces <= 0 {
		return nil, allocError("surface pool size 0", nil)
	}

	s := &session{
		dev:   dev,
		apiMu: apiMu,
		params: SessionParams{
			Width:       alignUp(sp.Width, surfaceAlign),
			Height:      alignUp(sp.Height, surfaceAlign),
			Profile:     sp.Profile,
			Level:       sp.Level,
			SurfaceType: sp.SurfaceType,
		},
		pool:         NewSurfacePool(maxSurfaces),
		syncTimeout:  syncTimeout,
		pollInterval: pollInterval,
		log:          log.WithField("component", "session"),
	}

	apiMu.Lock()
	h, err := dev.CreateSession(s.params)
	apiMu.Unlock()
	if err != nil {
		return nil, allocError("decode session", err)
	}
	s.handle = h

	if s.descriptor, err = s.createBuffer(BufferPictureDescriptor); err != nil {
		s.destroy()
		return nil, err
	}
	if s.data, err = s.createBuffer(BufferBitstreamData); err != nil {
		s.destroy()
		return nil, err
	}
	if err = s.ensureSliceControl(1); err != nil {
		s.destroy()
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"function": "createSession",
		"width":    s.params.Width,
		"height":   s.params.Height,
		"surfaces": maxSurfaces,
	}).Debug("Decode session created")
	return s, nil
}

func (s *session) createBuffer(kind BufferKind) (BufferHandle, error) {
	s.apiMu.Lock()
	b, err := s.dev.CreateBuffer(s.handle, kind)
	s.apiMu.Unlock()
	if err != nil {
		return 0, allocError(kind.String()+" buffer", err)
	}
	return b, nil
}

// ensureSliceControl grows the slice-control buffers to at least n.
func (s *session) ensureSliceControl(n int) error {
	for len(s.sliceCtl) < n {
		b, err := s.createBuffer(BufferSliceControl)
		if err != nil {
			return err
		}
		s.sliceCtl = append(s.sliceCtl, b)
	}
	return nil
}

// getOrCreateSurface reuses a free surface or allocates a new one.
func (s *session) getOrCreateSurface() (*DecodeSurface, error) {
	if surf, ok := s.pool.FindFree(); ok {
		return surf, nil
	}
	if s.pool.Len() >= s.pool.Max() {
		s.log.WithFields(logrus.Fields{
			"function": "getOrCreateSurface",
			"max":      s.pool.Max(),
			"in_use":   s.pool.InUse(),
		}).Error("Out of decode surfaces")
		return nil, allocError("surface pool exhausted", nil)
	}

	s.apiMu.Lock()
	h, err := s.dev.CreateSurface(s.handle)
	s.apiMu.Unlock()
	if err != nil {
		return nil, allocError("decode surface", err)
	}

	surf, err := s.pool.Add(h, s.descriptor)
	if err != nil {
		s.apiMu.Lock()
		s.dev.DestroySurface(s.handle, h)
		s.apiMu.Unlock()
		return nil, err
	}
	return surf, nil
}

// submit queues the compressed data of one picture into surf.
func (s *session) submit(surf *DecodeSurface, params []byte, slices []Slice) error {
	if err := s.ensureSliceControl(len(slices)); err != nil {
		return err
	}
	surf.Descriptor = s.descriptor
	surf.Slices = s.sliceCtl[:len(slices)]

	job := DecodeJob{
		Surface:      surf.Handle,
		Descriptor:   s.descriptor,
		Data:         s.data,
		SliceControl: surf.Slices,
		Params:       params,
		Slices:       slices,
	}
	s.apiMu.Lock()
	err := s.dev.Decode(s.handle, job)
	s.apiMu.Unlock()
	if err != nil {
		return hwError("Decode", err)
	}
	s.pool.Mark(surf, SurfaceDecoded)
	return nil
}

// destroy waits for pending decode work and frees everything.
func (s *session) destroy() {
	s.pool.DestroyAll(s.dev, s.handle, s.syncTimeout, s.pollInterval, s.apiMu, s.log)

	buffers := append([]BufferHandle{s.descriptor, s.data}, s.sliceCtl...)
	for _, b := range buffers {
		if b == 0 {
			continue
		}
		s.apiMu.Lock()
		err := s.dev.DestroyBuffer(s.handle, b)
		s.apiMu.Unlock()
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "destroy",
				"error":    err.Error(),
			}).Warn("Failed to destroy buffer")
		}
	}
	s.descriptor, s.data, s.sliceCtl = 0, 0, nil

	if s.handle != 0 {
		s.apiMu.Lock()
		err := s.dev.DestroySession(s.handle)
		s.apiMu.Unlock()
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "destroy",
				"error":    err.Error(),
			}).Warn("Failed to destroy session")
		}
		s.handle = 0
	}
}
