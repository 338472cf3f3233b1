package tools

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/hraban/opus"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// opusSilence is a 20ms Opus frame of digital silence, sent while the mic is disabled
// so the remote jitter buffer keeps receiving packets.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// AudioBuffer is a bounded byte ring feeding a blocking reader. Writes past capacity
// drop the oldest bytes.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if over := len(ab.buffer) + len(data) - ab.cap; over > 0 {
		ab.buffer = ab.buffer[over:]
		dropped += over
	}
	ab.buffer = append(ab.buffer, data...)
	ab.cond.Signal()
	return dropped
}

// Read blocks until data is available or the buffer is closed.
func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for len(ab.buffer) == 0 && !ab.closed {
		ab.cond.Wait()
	}
	if len(ab.buffer) == 0 {
		return 0, io.EOF
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}

// StreamLocalAudio copies encoded microphone frames onto the outgoing track until ctx
// ends or the device stops. While enabled reports false, silence frames are sent instead.
func StreamLocalAudio(
	ctx context.Context,
	logger shared.LoggerAdapter,
	track *webrtc.TrackLocalStaticSample,
	mediaTrack mediadevices.Track,
	frameDuration time.Duration,
	enabled func() bool,
) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Debug("closing media track reader", zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			logger.Error("reading from media track", err)
			return
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		data := buf.Data
		if !enabled() {
			data = opusSilence
		}
		err = track.WriteSample(media.Sample{
			Data:     data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Warn("failed to write sample to track", zap.Error(err))
		}
	}
}

// PlayRemoteAudio decodes the assistant's Opus track to PCM16 and passes every
// decoded chunk to sinks in arrival order.
func PlayRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, frameMs int, sinks ...func(pcm []byte)) {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	if channels == 0 {
		channels = 1
	}
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		logger.Error("creating Opus decoder", err)
		return
	}
	pcm := make([]int16, FrameSamples(time.Duration(frameMs)*time.Millisecond, sampleRate, channels))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			logger.Warn("decoding Opus", zap.Error(err))
			continue
		}
		out := Int16ToBytes(pcm[:n*channels])
		for _, sink := range sinks {
			sink(out)
		}
	}
}

func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 decodes little-endian PCM16; a trailing odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
