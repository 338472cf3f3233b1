package amplitude

import (
	"encoding/binary"
	"sync"
	"time"
)

// Window keeps the most recent PCM16 samples of one stream. Producers write into it,
// the extractor reads from it; closing it tells the extractor the stream has ended.
type Window struct {
	mu         sync.Mutex
	ring       []int16
	pos        int
	filled     int
	lastWrite  time.Time
	staleAfter time.Duration
	now        func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewWindow keeps size samples; reads return silence once nothing was written for staleAfter.
func NewWindow(size int, staleAfter time.Duration) *Window {
	return &Window{
		ring:       make([]int16, size),
		staleAfter: staleAfter,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Write appends little-endian PCM16 bytes. Only the first channel of interleaved
// data is kept when channels > 1.
func (w *Window) Write(pcm []byte, channels int) {
	if channels < 1 {
		channels = 1
	}
	stride := 2 * channels
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	for i := 0; i+1 < len(pcm); i += stride {
		w.ring[w.pos] = int16(binary.LittleEndian.Uint16(pcm[i:]))
		w.pos = (w.pos + 1) % len(w.ring)
		if w.filled < len(w.ring) {
			w.filled++
		}
	}
	w.lastWrite = w.now()
}

// Latest copies the newest samples into dst, oldest first, zero padding the front.
// It reports false and leaves dst silent when the stream is stale.
func (w *Window) Latest(dst []int16) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(dst)
	if w.filled == 0 || (w.staleAfter > 0 && w.now().Sub(w.lastWrite) > w.staleAfter) {
		return false
	}
	n := min(len(dst), w.filled)
	start := (w.pos - n + len(w.ring)) % len(w.ring)
	off := len(dst) - n
	for i := 0; i < n; i++ {
		dst[off+i] = w.ring[(start+i)%len(w.ring)]
	}
	return true
}

func (w *Window) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *Window) Done() <-chan struct{} {
	return w.done
}
