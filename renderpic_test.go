package hwdec

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingOwner records arena notifications.
type recordingOwner struct {
	mu       sync.Mutex
	refs     int
	returned []RenderPicture
}

func (o *recordingOwner) retainRef() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

func (o *recordingOwner) releaseRef() {
	o.mu.Lock()
	o.refs--
	o.mu.Unlock()
}

func (o *recordingOwner) returnPicture(p RenderPicture) {
	o.mu.Lock()
	o.returned = append(o.returned, p)
	o.mu.Unlock()
}

func newTestArena() (*pictureArena, *recordingOwner) {
	o := &recordingOwner{}
	return newPictureArena(NumRenderPictures, o, discardLog()), o
}

func TestRenderPictureClaimRelease(t *testing.T) {
	a, o := newTestArena()

	p, ok := a.take(RenderInfo{SourceIndex: 2, Valid: true})
	require.True(t, ok)
	require.NoError(t, a.claim(p))
	assert.Equal(t, 1, p.RefCount())
	assert.Equal(t, 1, o.refs)

	info, ok := p.Info()
	require.True(t, ok)
	assert.Equal(t, 2, info.SourceIndex)

	assert.Equal(t, 0, p.Release())
	assert.Equal(t, 0, o.refs)
	require.Len(t, o.returned, 1)
	assert.Equal(t, p, o.returned[0])
}

func TestRenderPictureAcquireKeepsAlive(t *testing.T) {
	a, o := newTestArena()

	p, _ := a.take(RenderInfo{Valid: true})
	require.NoError(t, a.claim(p))
	q := p.Acquire()
	assert.Equal(t, 2, q.RefCount())
	assert.Equal(t, 1, o.refs, "owner counts pictures, not references")

	assert.Equal(t, 1, p.Release())
	assert.Empty(t, o.returned)

	assert.Equal(t, 0, q.Release())
	assert.Len(t, o.returned, 1)
}

func TestRenderPictureDoubleRelease(t *testing.T) {
	if debugChecks {
		t.Skip("double release panics with hwdecdebug")
	}
	a, o := newTestArena()

	p, _ := a.take(RenderInfo{Valid: true})
	require.NoError(t, a.claim(p))
	p.Release()
	assert.Equal(t, 0, p.Release())
	assert.Len(t, o.returned, 1, "second release is a no-op")
	assert.Equal(t, 0, o.refs)
}

func TestRenderPictureStaleHandle(t *testing.T) {
	a, _ := newTestArena()

	p, _ := a.take(RenderInfo{Valid: true})
	require.NoError(t, a.claim(p))
	p.Release()
	_, err := a.returnToFree(p)
	require.NoError(t, err)

	_, ok := p.Info()
	assert.False(t, ok)
	assert.Equal(t, 0, p.RefCount())
	assert.ErrorIs(t, a.claim(p), ErrStaleHandle)

	// The slot is reused under a new generation.
	for i := 0; i < NumRenderPictures; i++ {
		_, ok := a.take(RenderInfo{})
		require.True(t, ok)
	}
	_, ok = p.Info()
	assert.False(t, ok, "old generation stays stale after reuse")
}

func TestRenderPictureZeroValue(t *testing.T) {
	var p RenderPicture
	assert.True(t, p.IsZero())
	assert.Equal(t, 0, p.Release())
	assert.Equal(t, 0, p.RefCount())
	assert.True(t, p.Acquire().IsZero())
	_, ok := p.Info()
	assert.False(t, ok)
	assert.Equal(t, "RenderPicture(nil)", p.String())
}

func TestArenaReturnUnused(t *testing.T) {
	a, o := newTestArena()

	p, _ := a.take(RenderInfo{Valid: true})
	a.returnUnused(p)
	require.Len(t, o.returned, 1)

	_, err := a.returnToFree(p)
	require.NoError(t, err)
	free, used := a.counts()
	assert.Equal(t, NumRenderPictures, free)
	assert.Zero(t, used)
}

func TestArenaReturnToFreeRefusesHeld(t *testing.T) {
	a, _ := newTestArena()

	p, _ := a.take(RenderInfo{Valid: true})
	_, err := a.returnToFree(p)
	assert.Error(t, err, "pipeline still holds the picture")

	require.NoError(t, a.claim(p))
	_, err = a.returnToFree(p)
	assert.Error(t, err, "consumer still references the picture")
}

func TestArenaReclaim(t *testing.T) {
	a, o := newTestArena()

	p, _ := a.take(RenderInfo{SourceIndex: 4, Valid: true})
	info, ok := a.reclaim(p)
	require.True(t, ok)
	assert.Equal(t, 4, info.SourceIndex)
	assert.Empty(t, o.returned, "reclaim frees directly")

	_, used := a.counts()
	assert.Zero(t, used)

	q, _ := a.take(RenderInfo{Valid: true})
	require.NoError(t, a.claim(q))
	_, ok = a.reclaim(q)
	assert.False(t, ok, "claimed picture is not reclaimed")
}

func TestArenaExhaustion(t *testing.T) {
	a, _ := newTestArena()
	for i := 0; i < NumRenderPictures; i++ {
		_, ok := a.take(RenderInfo{})
		require.True(t, ok)
	}
	assert.False(t, a.hasFree())
	_, ok := a.take(RenderInfo{})
	assert.False(t, ok)
}

func TestArenaInvalidateUsed(t *testing.T) {
	a, _ := newTestArena()
	p, _ := a.take(RenderInfo{Valid: true})
	a.invalidateUsed()

	info, ok := p.Info()
	require.True(t, ok)
	assert.False(t, info.Valid)
}
