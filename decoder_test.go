package hwdec

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestDecoder(t *testing.T, mutate func(*Config)) (*Decoder, *SimDevice) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	dev := NewSimDevice()
	cfg := DefaultConfig()
	cfg.Device = dev
	cfg.Processor = dev
	cfg.Logger = log
	cfg.ActorTimeout = 500 * time.Millisecond
	cfg.ResetWait = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	d, err := Open(cfg, StreamParams{Width: 720, Height: 576})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, dev
}

// feed plays the codec for one picture.
func feed(t *testing.T, d *Decoder, pts int64, flags PictureFlags) DecodeStatus {
	t.Helper()
	surf, err := d.GetSurface()
	require.NoError(t, err)
	require.NoError(t, d.DecodeSlices(surf, []byte{byte(pts)}, []Slice{{Control: []byte{0}, Data: []byte{0, 0, 1}}}))
	status := d.Decode(&DecodedPicture{
		Surface: surf,
		Info:    PictureInfo{PTS: pts, DTS: pts, Flags: flags},
	})
	d.ReleaseSurface(surf)
	return status
}

// collector gathers render pictures. Unless keep is set each picture is
// released right after its metadata was recorded.
type collector struct {
	t     *testing.T
	d     *Decoder
	keep  bool
	pics  []RenderPicture
	infos []RenderInfo
}

func (c *collector) take(status DecodeStatus) {
	c.t.Helper()
	if !status.Has(StatusPicture) {
		return
	}
	p, err := c.d.GetPicture()
	require.NoError(c.t, err)
	info, ok := p.Info()
	require.True(c.t, ok)
	c.infos = append(c.infos, info)
	if c.keep {
		c.pics = append(c.pics, p)
	} else {
		p.Release()
	}
}

// pump drives the decoder until n pictures were collected.
func (c *collector) pump(n int) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		if len(c.infos) < n {
			c.take(c.d.Decode(nil))
		}
		return len(c.infos) >= n
	}, waitFor, time.Millisecond)
}

func (c *collector) releaseAll() {
	for _, p := range c.pics {
		p.Release()
	}
	c.pics = nil
}

func TestDecoderProgressive(t *testing.T) {
	d, dev := newTestDecoder(t, nil)
	c := &collector{t: t, d: d, keep: true}

	for i := 0; i < 4; i++ {
		c.take(feed(t, d, int64(i), 0))
	}
	c.pump(4)

	for i, info := range c.infos {
		assert.Equal(t, int64(i), info.Picture.PTS, "pictures come out in order")
		assert.Equal(t, FieldFrame, info.Field)
		assert.True(t, info.Valid)
		assert.Equal(t, 720, info.Picture.Width)
		assert.Equal(t, 576, info.Picture.Height)
		assert.Equal(t, 720, info.TexWidth)
		assert.Equal(t, 576, info.TexHeight)
	}

	transfers := dev.Transfers()
	require.Len(t, transfers, 4)
	seen := map[SurfaceHandle]bool{}
	for _, tr := range transfers {
		assert.False(t, seen[tr.Src], "each picture has its own surface")
		seen[tr.Src] = true
		assert.Equal(t, FieldFrame, tr.Field)
	}
	assert.Empty(t, dev.DeintCalls())

	c.releaseAll()
	require.Eventually(t, func() bool { return d.sess.pool.InUse() == 0 }, waitFor, time.Millisecond,
		"released pictures free their surfaces")

	st := d.Stats()
	assert.Equal(t, uint64(4), st.PicturesIn)
	assert.Equal(t, uint64(4), st.PicturesOut)
	assert.Zero(t, st.Decoded)
	assert.Zero(t, st.Render)
}

func TestDecoderDeinterlaceBob(t *testing.T) {
	d, dev := newTestDecoder(t, func(c *Config) { c.DeintMethod = DeintBob })
	c := &collector{t: t, d: d}

	for i := 0; i < 3; i++ {
		c.take(feed(t, d, int64(i)*40, FlagInterlaced|FlagTopFieldFirst|FlagRepeatTopField))
	}
	c.pump(6)

	for i, info := range c.infos {
		if i%2 == 0 {
			assert.Equal(t, FieldTop, info.Field)
			assert.Equal(t, int64(i/2)*40, info.Picture.PTS)
		} else {
			assert.Equal(t, FieldBottom, info.Field)
			assert.Equal(t, NoPTS, info.Picture.PTS, "second field has no timestamp")
		}
		assert.False(t, info.Picture.Flags.Has(FlagInterlaced))
		assert.False(t, info.Picture.Flags.Has(FlagRepeatTopField))
		assert.Zero(t, info.Picture.RepeatPicture)
	}
	assert.Len(t, dev.DeintCalls(), 6)
	assert.True(t, d.Stats().Deinterlacing)
	assert.True(t, d.CanSkipDeint())
	assert.Equal(t, Supported, d.Supports(DeintBob))
}

func TestDecoderDeinterlaceBottomFieldFirst(t *testing.T) {
	d, _ := newTestDecoder(t, func(c *Config) { c.DeintMethod = DeintBob })
	c := &collector{t: t, d: d}

	c.take(feed(t, d, 0, FlagInterlaced))
	c.pump(2)
	assert.Equal(t, FieldBottom, c.infos[0].Field)
	assert.Equal(t, FieldTop, c.infos[1].Field)
}

func TestDecoderDropDeint(t *testing.T) {
	d, dev := newTestDecoder(t, func(c *Config) { c.DeintMethod = DeintBob })
	c := &collector{t: t, d: d}

	for i := 0; i < 3; i++ {
		c.take(feed(t, d, int64(i), FlagInterlaced|FlagTopFieldFirst|FlagDropDeint))
	}
	c.pump(3)

	time.Sleep(20 * time.Millisecond)
	c.take(d.Decode(nil))
	assert.Len(t, c.infos, 3, "one field per frame")
	assert.Len(t, dev.DeintCalls(), 3)
}

func TestDecoderTrickPlayShowsOneField(t *testing.T) {
	d, _ := newTestDecoder(t, func(c *Config) { c.DeintMethod = DeintBob })
	d.SetSpeed(2 * normalSpeed)
	c := &collector{t: t, d: d}

	for i := 0; i < 3; i++ {
		c.take(feed(t, d, int64(i), FlagInterlaced|FlagTopFieldFirst))
	}
	c.pump(3)

	time.Sleep(20 * time.Millisecond)
	c.take(d.Decode(nil))
	assert.Len(t, c.infos, 3)
	assert.False(t, d.CanSkipDeint())
	assert.Equal(t, 2*normalSpeed, d.Stats().Speed)
}

func TestDecoderDeinterlaceOff(t *testing.T) {
	d, dev := newTestDecoder(t, func(c *Config) { c.Deinterlace = DeinterlaceOff })
	c := &collector{t: t, d: d}

	c.take(feed(t, d, 0, FlagInterlaced|FlagTopFieldFirst))
	c.pump(1)
	assert.Equal(t, FieldFrame, c.infos[0].Field)
	assert.Empty(t, dev.DeintCalls())
	assert.Zero(t, dev.Resources().Contexts, "no deinterlacer is created")
}

func TestDecoderNoPostProc(t *testing.T) {
	d, dev := newTestDecoder(t, func(c *Config) { c.Deinterlace = DeinterlaceForce })
	c := &collector{t: t, d: d}

	c.take(feed(t, d, 0, FlagNoPostProc))
	c.pump(1)
	assert.Equal(t, FieldFrame, c.infos[0].Field)
	assert.Empty(t, dev.DeintCalls())
}

func TestDecoderReferenceLatency(t *testing.T) {
	d, dev := newTestDecoder(t, nil) // motion adaptive: one reference each way
	c := &collector{t: t, d: d}

	for i := 0; i < 4; i++ {
		c.take(feed(t, d, int64(i)*40, FlagInterlaced|FlagTopFieldFirst))
	}
	// Pictures 1 and 2 have both neighbours.
	c.pump(4)
	assert.Equal(t, int64(40), c.infos[0].Picture.PTS)
	assert.Equal(t, int64(80), c.infos[2].Picture.PTS)

	calls := dev.DeintCalls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Len(t, calls[0].Forward, 1)
	assert.Len(t, calls[0].Backward, 1)
}

func TestDecoderUnsupportedMethodFallsBack(t *testing.T) {
	d, dev := newTestDecoder(t, func(c *Config) { c.DeintMethod = DeintMotionCompensated })
	c := &collector{t: t, d: d}

	c.take(feed(t, d, 0, FlagInterlaced|FlagTopFieldFirst))
	c.pump(2)

	assert.Equal(t, Unsupported, d.Supports(DeintMotionCompensated))
	assert.Empty(t, dev.DeintCalls())
	transfers := dev.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, FieldTop, transfers[0].Field, "fields are transferred directly")
	assert.Equal(t, FieldBottom, transfers[1].Field)
}

func TestDecoderDeinterlaceRuntimeFailureFallsBack(t *testing.T) {
	d, dev := newTestDecoder(t, func(c *Config) { c.DeintMethod = DeintBob })
	c := &collector{t: t, d: d}
	dev.FailNext("Deinterlace")

	for i := 0; i < 2; i++ {
		c.take(feed(t, d, int64(i), FlagInterlaced|FlagTopFieldFirst))
	}
	c.pump(4)
	assert.Equal(t, DisplayOpen, d.State(), "a failed filter is not a decoder error")
	assert.Len(t, dev.DeintCalls(), 0)
}

func TestDecoderInvalidInput(t *testing.T) {
	d, _ := newTestDecoder(t, nil)

	assert.Equal(t, StatusBuffer, d.Decode(&DecodedPicture{Surface: &DecodeSurface{}}))

	surf, err := d.GetSurface()
	require.NoError(t, err)
	assert.Equal(t, StatusBuffer, d.Decode(&DecodedPicture{Surface: surf}), "surface was never decoded")
	d.ReleaseSurface(surf)

	_, err = d.GetPicture()
	assert.ErrorIs(t, err, ErrNoPicture)
	assert.Zero(t, d.Stats().PicturesIn)
}

func TestDecoderPresentPictureReplaced(t *testing.T) {
	d, _ := newTestDecoder(t, nil)

	for i := 0; i < 3; i++ {
		feed(t, d, int64(i), 0)
	}
	// Never calling GetPicture lets every picture replace the previous one.
	require.Eventually(t, func() bool {
		d.Decode(nil)
		st := d.Stats()
		return st.PicturesOut == 3 && st.Render == 0 && st.Decoded == 0
	}, waitFor, time.Millisecond)

	p, err := d.GetPicture()
	require.NoError(t, err)
	info, _ := p.Info()
	assert.Equal(t, int64(2), info.Picture.PTS, "the newest picture is kept")
	p.Release()

	require.Eventually(t, func() bool {
		_, used := d.arena.counts()
		return used == 0
	}, waitFor, time.Millisecond)
}

func TestDecoderReset(t *testing.T) {
	d, dev := newTestDecoder(t, nil)

	status := feed(t, d, 0, 0)
	require.Eventually(t, func() bool {
		status |= d.Decode(nil)
		return status.Has(StatusPicture)
	}, waitFor, time.Millisecond)

	dev.SetStall(true)
	feed(t, d, 1, 0)
	feed(t, d, 2, 0)

	require.NoError(t, d.Reset())

	_, err := d.GetPicture()
	assert.ErrorIs(t, err, ErrNoPicture, "the present picture was dropped")
	_, used := d.arena.counts()
	assert.Zero(t, used)
	assert.Zero(t, d.sess.pool.InUse(), "every surface bit is cleared")
	st := d.Stats()
	assert.Zero(t, st.Decoded)
	assert.Zero(t, st.Render)

	// Decoding resumes after the flush.
	dev.SetStall(false)
	c := &collector{t: t, d: d}
	c.take(feed(t, d, 3, 0))
	c.pump(1)
	assert.Equal(t, int64(3), c.infos[0].Picture.PTS)
}

func TestDecoderHardwareErrorRecovery(t *testing.T) {
	d, dev := newTestDecoder(t, nil)
	dev.FailNext("TransferSurface")

	status := feed(t, d, 0, 0)
	require.Eventually(t, func() bool {
		status |= d.Decode(nil)
		return status.Has(StatusError)
	}, waitFor, time.Millisecond)

	assert.Equal(t, DisplayError, d.State())
	assert.True(t, errors.Is(d.Err(), ErrHardwareCall))
	assert.Equal(t, stateError, d.pipe.currentState())
	assert.Equal(t, StatusError, d.Decode(nil), "error is latched until Check")
	_, err := d.GetSurface()
	assert.Error(t, err)
	assert.Equal(t, uint64(1), d.Stats().Errors)

	state, err := d.Check()
	require.NoError(t, err)
	assert.Equal(t, DeviceFlushed, state)
	assert.Equal(t, DisplayOpen, d.State())
	assert.NoError(t, d.Err())
	assert.Equal(t, 1, dev.Resources().Sessions)

	c := &collector{t: t, d: d}
	c.take(feed(t, d, 1, 0))
	c.pump(1)
	assert.Equal(t, int64(1), c.infos[0].Picture.PTS)

	state, err = d.Check()
	require.NoError(t, err)
	assert.Equal(t, DeviceOK, state)
}

func TestDecoderDecodeFailureLatches(t *testing.T) {
	d, dev := newTestDecoder(t, nil)

	surf, err := d.GetSurface()
	require.NoError(t, err)
	dev.FailNext("Decode")
	err = d.DecodeSlices(surf, nil, nil)
	assert.True(t, errors.Is(err, ErrHardwareCall))
	d.ReleaseSurface(surf)

	assert.Equal(t, DisplayError, d.State())
	state, err := d.Check()
	require.NoError(t, err)
	assert.Equal(t, DeviceFlushed, state)
}

func TestDecoderDeviceLost(t *testing.T) {
	d, _ := newTestDecoder(t, nil)

	d.OnLostDevice()
	assert.Equal(t, DisplayLost, d.State())
	assert.Equal(t, StatusError, d.Decode(nil))
	_, err := d.GetSurface()
	assert.True(t, errors.Is(err, ErrDeviceLost))

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.OnResetDevice()
	}()
	state, err := d.Check()
	require.NoError(t, err)
	assert.Equal(t, DeviceFlushed, state)
	assert.Equal(t, DisplayOpen, d.State())
}

func TestDecoderDeviceLostTimeout(t *testing.T) {
	d, _ := newTestDecoder(t, func(c *Config) { c.ResetWait = 20 * time.Millisecond })

	d.OnLostDevice()
	state, err := d.Check()
	require.NoError(t, err)
	assert.Equal(t, DeviceFlushed, state, "the session is recreated without a reset signal")
	assert.Equal(t, DisplayOpen, d.State())
	assert.NoError(t, d.Err())

	c := &collector{t: t, d: d}
	c.take(feed(t, d, 0, 0))
	c.pump(1)

	state, err = d.Check()
	require.NoError(t, err)
	assert.Equal(t, DeviceOK, state)
}

func TestDecoderReportsFlushed(t *testing.T) {
	d, dev := newTestDecoder(t, nil)
	dev.FailNext("TransferSurface")

	status := feed(t, d, 0, 0)
	require.Eventually(t, func() bool {
		status |= d.Decode(nil)
		return status.Has(StatusError)
	}, waitFor, time.Millisecond)
	assert.False(t, status.Has(StatusFlushed))

	state, err := d.Check()
	require.NoError(t, err)
	require.Equal(t, DeviceFlushed, state)

	status = feed(t, d, 1, 0)
	assert.True(t, status.Has(StatusFlushed), "first Decode after recreation")
	assert.False(t, d.Decode(nil).Has(StatusFlushed), "reported once")

	require.NoError(t, d.Reset())
	assert.True(t, d.Decode(nil).Has(StatusFlushed), "first Decode after Reset")
	assert.False(t, d.Decode(nil).Has(StatusFlushed))
}

func TestDecoderUndeliveredFrame(t *testing.T) {
	d, _ := newTestDecoder(t, nil)

	surf, err := d.GetSurface()
	require.NoError(t, err)
	require.NoError(t, d.DecodeSlices(surf, nil, []Slice{{Data: []byte{0, 0, 1}}}))
	d.ReleaseSurface(surf)

	d.pipe.stop()
	assert.Equal(t, StatusError, d.Decode(&DecodedPicture{Surface: surf}))
	assert.Zero(t, d.sess.pool.State(surf)&SurfaceUsedForRender, "surface is free again")
	st := d.Stats()
	assert.Zero(t, st.Decoded)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestDecoderCloseWaitsForPictures(t *testing.T) {
	d, dev := newTestDecoder(t, nil)
	c := &collector{t: t, d: d, keep: true}

	c.take(feed(t, d, 0, 0))
	c.pump(1)

	require.NoError(t, d.Close())
	select {
	case <-d.Done():
		t.Fatal("decoder finished while a picture is outstanding")
	default:
	}

	res := dev.Resources()
	assert.Zero(t, res.Sessions)
	assert.Zero(t, res.Surfaces)
	assert.Zero(t, res.Targets, "deinterlacer is closed at precleanup")
	assert.Equal(t, 1, res.Outputs, "the shown surface is kept")

	info, ok := c.pics[0].Info()
	require.True(t, ok)
	assert.True(t, info.Valid)

	c.releaseAll()
	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatal("decoder not finished after the last release")
	}
	assert.Equal(t, SimResources{}, dev.Resources())

	assert.Equal(t, StatusError, d.Decode(nil))
	_, err := d.GetSurface()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.NoError(t, d.Close(), "close is idempotent")
}

func TestDecoderCloseIdle(t *testing.T) {
	d, dev := newTestDecoder(t, nil)
	require.NoError(t, d.Close())

	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatal("idle decoder did not finish")
	}
	assert.Equal(t, SimResources{}, dev.Resources())
}

func TestDecoderSharedRegistry(t *testing.T) {
	idle := make(chan struct{})
	reg := NewCapabilityRegistry(func() { close(idle) })

	d1, _ := newTestDecoder(t, func(c *Config) { c.Registry = reg })
	d2, _ := newTestDecoder(t, func(c *Config) { c.Registry = reg })
	assert.Equal(t, 2, reg.Refs())
	assert.NotEqual(t, d1.ID(), d2.ID())

	require.NoError(t, d1.Close())
	<-d1.Done()
	assert.Equal(t, 1, reg.Refs())

	require.NoError(t, d2.Close())
	select {
	case <-idle:
	case <-time.After(waitFor):
		t.Fatal("registry not released")
	}
}

func TestOpenFailures(t *testing.T) {
	dev := NewSimDevice()
	reg := NewCapabilityRegistry(nil)
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := DefaultConfig()
	cfg.Logger = log
	_, err := Open(cfg, StreamParams{Width: 16, Height: 16})
	assert.ErrorIs(t, err, ErrInvalidConfig, "no device")

	cfg.Device = dev
	cfg.Registry = reg
	_, err = Open(cfg, StreamParams{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.MaxSurfaces = 0
	_, err = Open(cfg, StreamParams{Width: 16, Height: 16})
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, SimResources{}, dev.Resources())
	assert.Zero(t, reg.Refs())

	cfg.MaxSurfaces = 4
	dev.FailNext("CreateOutputSurface")
	_, err = Open(cfg, StreamParams{Width: 16, Height: 16})
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, SimResources{}, dev.Resources())
	assert.Zero(t, reg.Refs())
}

func TestDecoderSurfaceExhaustion(t *testing.T) {
	d, _ := newTestDecoder(t, func(c *Config) { c.MaxSurfaces = 2 })

	var held []*DecodeSurface
	for i := 0; i < 2; i++ {
		s, err := d.GetSurface()
		require.NoError(t, err)
		held = append(held, s)
	}
	_, err := d.GetSurface()
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, DisplayError, d.State())

	for _, s := range held {
		d.ReleaseSurface(s)
	}
	state, err := d.Check()
	require.NoError(t, err)
	assert.Equal(t, DeviceFlushed, state)
}
