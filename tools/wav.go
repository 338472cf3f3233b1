package tools

import (
	"encoding/binary"
	"time"
)

const (
	WAVHeaderSize  = 44
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
)

// PlayableAudio is one finalized assistant turn wrapped in a WAV container.
type PlayableAudio struct {
	Data          []byte
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// PCM returns the raw sample bytes that follow the header.
func (a *PlayableAudio) PCM() []byte {
	if len(a.Data) < WAVHeaderSize {
		return nil
	}
	return a.Data[WAVHeaderSize:]
}

func (a *PlayableAudio) Duration() time.Duration {
	frame := a.Channels * a.BitsPerSample / 8
	if frame == 0 || a.SampleRate == 0 {
		return 0
	}
	frames := len(a.PCM()) / frame
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// EncodeWAV prefixes 16-bit little-endian PCM with a canonical RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	length := len(pcm)
	buf := make([]byte, WAVHeaderSize+length)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+length))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*BytesPerSample))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*BytesPerSample))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(length))

	copy(buf[WAVHeaderSize:], pcm)
	return buf
}
