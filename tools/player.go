package tools

import (
	"fmt"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// Speaker plays PCM16 through the default output device. oto allows one context per
// process, so the remote stream and finalized turns share a single Speaker.
type Speaker struct {
	logger     shared.LoggerAdapter
	sampleRate int
	channels   int
	buffer     *AudioBuffer
	player     *oto.Player
}

func NewSpeaker(logger shared.LoggerAdapter, sampleRate, channels, bufferMs, ringSeconds int) (*Speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(bufferMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("creating oto context: %w", err)
	}
	<-ready
	s := &Speaker{
		logger:     logger,
		sampleRate: sampleRate,
		channels:   channels,
		buffer:     NewAudioBuffer(ringSeconds * sampleRate * channels * BytesPerSample),
	}
	s.player = otoCtx.NewPlayer(s.buffer)
	s.player.Play()
	return s, nil
}

// WritePCM queues samples already in the speaker's format.
func (s *Speaker) WritePCM(pcm []byte) {
	if dropped := s.buffer.Write(pcm); dropped > 0 {
		s.logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
	}
}

// PlayPCM converts pcm to the speaker's format when needed and queues it.
func (s *Speaker) PlayPCM(pcm []byte, sampleRate, channels int) error {
	if sampleRate != s.sampleRate || channels != s.channels {
		var err error
		if pcm, err = ConvertPCM16(pcm, sampleRate, channels, s.sampleRate, s.channels); err != nil {
			return err
		}
	}
	s.WritePCM(pcm)
	return nil
}

// PlayTurn queues a finalized turn.
func (s *Speaker) PlayTurn(audio *PlayableAudio) error {
	return s.PlayPCM(audio.PCM(), audio.SampleRate, audio.Channels)
}

func (s *Speaker) Close() error {
	_ = s.buffer.Close()
	return s.player.Close()
}
