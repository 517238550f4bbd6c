package hwdec

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	dev   *SimDevice
	pipe  *outputPipeline
	stats *bufferStats
	arena *pictureArena
	init  pipelineInit
}

func newPipelineFixture(t *testing.T, mode DeinterlaceMode) *pipelineFixture {
	t.Helper()
	dev := NewSimDevice()
	sh, err := dev.CreateSession(SessionParams{Width: 64, Height: 64})
	require.NoError(t, err)

	f := &pipelineFixture{
		dev:   dev,
		stats: newBufferStats(),
		arena: newPictureArena(NumRenderPictures, &recordingOwner{}, discardLog()),
		init: pipelineInit{
			session:       sh,
			pool:          NewSurfacePool(4),
			width:         64,
			height:        64,
			surfaceWidth:  64,
			surfaceHeight: 64,
		},
	}
	f.pipe = newOutputPipeline(pipelineConfig{
		dev:            dev,
		proc:           dev,
		registry:       NewCapabilityRegistry(nil),
		apiMu:          &sync.Mutex{},
		arena:          f.arena,
		stats:          f.stats,
		mode:           mode,
		method:         DeintBob,
		deintTargets:   4,
		outputSurfaces: 3,
		log:            discardLog(),
	})
	return f
}

func (f *pipelineFixture) decodedSurface(t *testing.T) *DecodeSurface {
	t.Helper()
	h, err := f.dev.CreateSurface(f.init.session)
	require.NoError(t, err)
	s, err := f.init.pool.Add(h, 0)
	require.NoError(t, err)
	f.init.pool.Mark(s, SurfaceDecoded|SurfaceUsedForRender)
	return s
}

func TestPipelineStateHierarchy(t *testing.T) {
	for s := stateError; s <= stateStep2; s++ {
		depth := 0
		for p := s; p != stateTop; p = parentState[p] {
			depth++
			require.Less(t, depth, len(parentState), "state %s has a parent cycle", s)
		}
	}
	assert.Equal(t, stateConfigured, parentState[stateStep2])
	assert.Equal(t, stateTop, parentState[stateUnconfigured])
}

func TestPipelineInitAndDispose(t *testing.T) {
	f := newPipelineFixture(t, DeinterlaceAuto)
	f.pipe.start()
	defer f.pipe.stop()

	require.NoError(t, f.pipe.call(ctlInit, f.init, time.Second))
	assert.Equal(t, 3, f.dev.Resources().Outputs)
	assert.Equal(t, 4, f.dev.Resources().Targets)

	err := f.pipe.call(ctlInit, f.init, time.Second)
	assert.Error(t, err, "init is only accepted while unconfigured")

	require.NoError(t, f.pipe.call(ctlDispose, pipelineInit{}, time.Second))
	assert.Equal(t, stateUnconfigured, f.pipe.currentState())
	assert.Zero(t, f.dev.Resources().Outputs)
	assert.Zero(t, f.dev.Resources().Targets)
}

func TestPipelineDropsFramesWhenUnconfigured(t *testing.T) {
	f := newPipelineFixture(t, DeinterlaceOff)
	f.pipe.init = f.init
	f.pipe.start()
	defer f.pipe.stop()

	s := f.decodedSurface(t)
	f.stats.incDecoded()
	require.True(t, f.pipe.send(dataMsg{kind: dataNewFrame, decoded: DecodedPicture{Surface: s}}))

	require.Eventually(t, func() bool {
		return f.init.pool.State(s) == 0
	}, time.Second, time.Millisecond)
	st := f.stats.get()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Zero(t, st.Decoded)
}

func TestPipelineProducesPicture(t *testing.T) {
	f := newPipelineFixture(t, DeinterlaceOff)
	f.pipe.start()
	defer f.pipe.stop()
	require.NoError(t, f.pipe.call(ctlInit, f.init, time.Second))

	s := f.decodedSurface(t)
	f.stats.incDecoded()
	f.pipe.send(dataMsg{kind: dataNewFrame, decoded: DecodedPicture{Surface: s, Info: PictureInfo{PTS: 7, Width: 60, Height: 50}}})

	var pic RenderPicture
	select {
	case pic = <-f.pipe.pictures:
	case <-time.After(time.Second):
		t.Fatal("no picture")
	}
	info, ok := pic.Info()
	require.True(t, ok)
	assert.Equal(t, int64(7), info.Picture.PTS)
	assert.Equal(t, FieldFrame, info.Field)
	assert.Equal(t, image.Rect(0, 0, 60, 50), info.Crop)
	assert.Equal(t, 64, info.TexWidth)
	assert.NotZero(t, f.init.pool.State(s)&SurfaceUsedForRender, "the shown surface stays busy")

	// Returning the picture frees the surface.
	f.arena.returnUnused(pic)
	f.pipe.send(dataMsg{kind: dataReturnPicture, picture: pic})
	require.Eventually(t, func() bool {
		return f.init.pool.State(s) == 0
	}, time.Second, time.Millisecond)
}

func TestPipelineFlushReleasesQueued(t *testing.T) {
	f := newPipelineFixture(t, DeinterlaceOff)
	f.dev.SetStall(true)
	f.pipe.start()
	defer f.pipe.stop()
	require.NoError(t, f.pipe.call(ctlInit, f.init, time.Second))

	a := f.decodedSurface(t)
	b := f.decodedSurface(t)
	for _, s := range []*DecodeSurface{a, b} {
		f.stats.incDecoded()
		f.pipe.send(dataMsg{kind: dataNewFrame, decoded: DecodedPicture{Surface: s}})
	}
	require.Eventually(t, func() bool {
		return f.pipe.currentState() == stateWaitDecode
	}, time.Second, time.Millisecond)

	require.NoError(t, f.pipe.call(ctlFlush, pipelineInit{}, time.Second))
	assert.Zero(t, f.init.pool.State(a))
	assert.Zero(t, f.init.pool.State(b))
	decoded, render := f.stats.counts()
	assert.Zero(t, decoded)
	assert.Zero(t, render)
}

func TestPipelineFailure(t *testing.T) {
	f := newPipelineFixture(t, DeinterlaceOff)
	f.pipe.start()
	defer f.pipe.stop()
	require.NoError(t, f.pipe.call(ctlInit, f.init, time.Second))

	f.dev.FailNext("SyncSurface")
	s := f.decodedSurface(t)
	f.stats.incDecoded()
	f.pipe.send(dataMsg{kind: dataNewFrame, decoded: DecodedPicture{Surface: s}})

	select {
	case ev := <-f.pipe.events:
		require.Error(t, ev.err)
		assert.True(t, errors.Is(ev.err, ErrHardwareCall))
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
	assert.Equal(t, stateError, f.pipe.currentState())
	assert.Equal(t, uint64(1), f.stats.get().Errors)

	// Dispose recovers to unconfigured.
	require.NoError(t, f.pipe.call(ctlDispose, pipelineInit{}, time.Second))
	assert.Equal(t, stateUnconfigured, f.pipe.currentState())
}

func TestPipelineNotifyCoalesces(t *testing.T) {
	f := newPipelineFixture(t, DeinterlaceOff)

	f.pipe.notify(nil)
	f.pipe.notify(nil)
	assert.Len(t, f.pipe.events, 1, "stats events are coalesced")

	f.pipe.notify(errors.New("boom"))
	assert.Len(t, f.pipe.events, 2, "errors are always delivered")
}

func TestPipelineSendQueueFull(t *testing.T) {
	f := newPipelineFixture(t, DeinterlaceOff)

	for i := 0; i < cap(f.pipe.data); i++ {
		require.True(t, f.pipe.send(dataMsg{kind: dataReturnPicture}))
	}
	assert.False(t, f.pipe.send(dataMsg{kind: dataReturnPicture}), "a full queue rejects the message")
	assert.Len(t, f.pipe.data, cap(f.pipe.data))
}

func TestPipelineStop(t *testing.T) {
	f := newPipelineFixture(t, DeinterlaceOff)
	f.pipe.start()
	require.NoError(t, f.pipe.call(ctlInit, f.init, time.Second))
	f.pipe.stop()

	assert.False(t, f.pipe.send(dataMsg{kind: dataReturnPicture}))
	assert.ErrorIs(t, f.pipe.call(ctlFlush, pipelineInit{}, time.Second), ErrSessionClosed)
	assert.Zero(t, f.dev.Resources().Outputs, "stop releases output surfaces")
}
