package tools

import (
	"errors"
	"sync"

	"github.com/bt-bridge/realtime-voice/shared"
)

var ErrInvalidFormat = errors.New("invalid audio format")

// TurnBuffer accumulates the PCM deltas of one assistant turn.
// Finalize hands the bytes off and empties the buffer in one step.
type TurnBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func NewTurnBuffer(capacity int) *TurnBuffer {
	return &TurnBuffer{buf: make([]byte, 0, capacity)}
}

func (t *TurnBuffer) Append(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
}

func (t *TurnBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// Reset drops the current turn without emitting it.
func (t *TurnBuffer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = t.buf[:0]
}

// Finalize wraps the buffered samples in a WAV container and starts a new turn.
// A trailing partial frame is discarded and reported through trimmed.
func (t *TurnBuffer) Finalize(sampleRate, channels int) (audio *PlayableAudio, trimmed int, err error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, 0, ErrInvalidFormat
	}
	t.mu.Lock()
	pcm := t.buf
	t.buf = make([]byte, 0, cap(pcm))
	t.mu.Unlock()

	if len(pcm) == 0 {
		return nil, 0, shared.ErrEmptyTurn
	}
	frame := channels * BytesPerSample
	if rem := len(pcm) % frame; rem != 0 {
		pcm = pcm[:len(pcm)-rem]
		trimmed = rem
	}
	if len(pcm) == 0 {
		return nil, trimmed, shared.ErrEmptyTurn
	}
	return &PlayableAudio{
		Data:          EncodeWAV(pcm, sampleRate, channels),
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: BitsPerSample,
	}, trimmed, nil
}
