package hwdec

import (
	"sync"
	"time"
)

// Stats provides decoder statistics.
type Stats struct {
	Decoded       int           // Pictures waiting in the output pipeline
	Render        int           // Render pictures emitted and not yet collected
	PicturesIn    uint64        // Decoded pictures submitted
	PicturesOut   uint64        // Render pictures emitted
	Dropped       uint64        // Pictures dropped by the pipeline
	Errors        uint64        // Hardware failures
	Latency       time.Duration // Time spent waiting in Decode
	Speed         int           // Playback speed, 1000 is normal
	CanSkipDeint  bool          // Deinterlacing may be skipped for the next picture
	Deinterlacing bool          // Last cycle was deinterlaced
}

// bufferStats is shared by the decode thread and the actor.
type bufferStats struct {
	mu    sync.Mutex
	stats Stats
}

func newBufferStats() *bufferStats {
	return &bufferStats{stats: Stats{Speed: normalSpeed}}
}

func (b *bufferStats) incDecoded() {
	b.mu.Lock()
	b.stats.Decoded++
	b.stats.PicturesIn++
	b.mu.Unlock()
}

func (b *bufferStats) decDecoded() {
	b.mu.Lock()
	if b.stats.Decoded > 0 {
		b.stats.Decoded--
	}
	b.mu.Unlock()
}

func (b *bufferStats) incRender() {
	b.mu.Lock()
	b.stats.Render++
	b.stats.PicturesOut++
	b.mu.Unlock()
}

func (b *bufferStats) decRender() {
	b.mu.Lock()
	if b.stats.Render > 0 {
		b.stats.Render--
	}
	b.mu.Unlock()
}

func (b *bufferStats) addDropped() {
	b.mu.Lock()
	b.stats.Dropped++
	b.mu.Unlock()
}

func (b *bufferStats) addError() {
	b.mu.Lock()
	b.stats.Errors++
	b.mu.Unlock()
}

// counts returns the in-flight numbers Decode bases its thresholds on.
func (b *bufferStats) counts() (decoded, render int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.Decoded, b.stats.Render
}

func (b *bufferStats) setLatency(d time.Duration) {
	b.mu.Lock()
	b.stats.Latency = d
	b.mu.Unlock()
}

func (b *bufferStats) setSpeed(speed int) {
	b.mu.Lock()
	b.stats.Speed = speed
	b.mu.Unlock()
}

func (b *bufferStats) speed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.Speed
}

func (b *bufferStats) setDeint(canSkip, active bool) {
	b.mu.Lock()
	b.stats.CanSkipDeint = canSkip
	b.stats.Deinterlacing = active
	b.mu.Unlock()
}

func (b *bufferStats) canSkipDeint() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.CanSkipDeint
}

// reset clears the in-flight counters. Totals are kept.
func (b *bufferStats) reset() {
	b.mu.Lock()
	b.stats.Decoded = 0
	b.stats.Render = 0
	b.stats.CanSkipDeint = false
	b.mu.Unlock()
}

func (b *bufferStats) get() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
