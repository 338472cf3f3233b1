package realtime

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/realtime-voice/amplitude"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bt-bridge/realtime-voice/tools"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// MediaSource grants access to a microphone.
type MediaSource interface {
	Acquire(ctx context.Context) (Microphone, error)
}

// Microphone is an acquired local audio track. Stop releases the device; every
// other method is a no-op afterwards.
type Microphone interface {
	// Stream copies encoded frames onto track until ctx ends or the device stops.
	Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample)
	// Tap feeds raw PCM16 into w until ctx ends or the device stops.
	Tap(ctx context.Context, w *amplitude.Window)
	SetEnabled(enabled bool)
	Enabled() bool
	Stop() error
}

// DeviceSource opens the default capture device through mediadevices. A driver
// must be registered by the binary, e.g. pkg/driver/microphone.
type DeviceSource struct {
	logger shared.LoggerAdapter
	cfg    MicrophoneConfig
}

func NewDeviceSource(logger shared.LoggerAdapter, cfg MicrophoneConfig) *DeviceSource {
	return &DeviceSource{
		logger: logger.With(zap.String("component", "microphone")),
		cfg:    cfg,
	}
}

type acquireResult struct {
	stream mediadevices.MediaStream
	err    error
}

// Acquire requests the microphone. If ctx ends first, a stream granted later is
// stopped as soon as it arrives.
func (d *DeviceSource) Acquire(ctx context.Context) (Microphone, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, shared.NewSessionError(shared.KindMediaAcquisition, "creating opus params", err)
	}
	resC := make(chan acquireResult, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(d.cfg.SampleRate)
				c.ChannelCount = prop.Int(d.cfg.Channels)
				c.SampleSize = prop.Int(d.cfg.SampleSize)
			},
			Codec: mediadevices.NewCodecSelector(
				mediadevices.WithAudioEncoders(&opusParams),
			),
		})
		resC <- acquireResult{stream: stream, err: err}
	}()

	var res acquireResult
	select {
	case <-ctx.Done():
		go func() {
			if late := <-resC; late.err == nil {
				d.logger.Debug("releasing microphone granted after cancel")
				closeTracks(d.logger, late.stream.GetTracks())
			}
		}()
		return nil, ctx.Err()
	case res = <-resC:
	}
	if res.err != nil {
		return nil, shared.NewSessionError(shared.KindMediaAcquisition, "getting microphone stream", res.err)
	}
	tracks := res.stream.GetAudioTracks()
	if len(tracks) == 0 {
		closeTracks(d.logger, res.stream.GetTracks())
		return nil, shared.NewSessionError(shared.KindMediaAcquisition, "opening microphone", shared.ErrNoAudioTrack)
	}
	d.logger.Info("microphone stream obtained", zap.String("track", tracks[0].ID()))
	return &deviceMicrophone{
		logger: d.logger,
		track:  tracks[0],
		tracks: res.stream.GetTracks(),
		frame:  time.Duration(opusParams.Latency),
	}, nil
}

func closeTracks(logger shared.LoggerAdapter, tracks []mediadevices.Track) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			logger.Debug("closing media track", zap.Error(err))
		}
	}
}

type deviceMicrophone struct {
	logger  shared.LoggerAdapter
	track   mediadevices.Track
	tracks  []mediadevices.Track
	frame   time.Duration
	enabled atomic.Bool

	stopOnce sync.Once
}

func (m *deviceMicrophone) Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	tools.StreamLocalAudio(ctx, m.logger, track, m.track, m.frame, m.enabled.Load)
}

func (m *deviceMicrophone) Tap(ctx context.Context, w *amplitude.Window) {
	audioTrack, ok := m.track.(*mediadevices.AudioTrack)
	if !ok {
		m.logger.Debug("microphone track has no raw reader")
		return
	}
	reader := audioTrack.NewReader(false)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		chunk, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debug("microphone tap ended", zap.Error(err))
			}
			return
		}
		if m.enabled.Load() {
			if pcm, channels := waveToPCM16(chunk); pcm != nil {
				w.Write(pcm, channels)
			}
		}
		release()
	}
}

func (m *deviceMicrophone) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

func (m *deviceMicrophone) Enabled() bool {
	return m.enabled.Load()
}

func (m *deviceMicrophone) Stop() error {
	m.stopOnce.Do(func() {
		m.enabled.Store(false)
		closeTracks(m.logger, m.tracks)
		m.logger.Info("microphone stopped")
	})
	return nil
}

// waveToPCM16 returns interleaved little-endian PCM16, or nil for layouts the
// amplitude tap does not read.
func waveToPCM16(chunk wave.Audio) ([]byte, int) {
	channels := chunk.ChunkInfo().Channels
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		return tools.Int16ToBytes(c.Data), channels
	case *wave.Float32Interleaved:
		samples := make([]int16, len(c.Data))
		for i, f := range c.Data {
			samples[i] = int16(max(-1, min(1, f)) * math.MaxInt16)
		}
		return tools.Int16ToBytes(samples), channels
	}
	return nil, 0
}
