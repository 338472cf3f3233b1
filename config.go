package realtime

import (
	"fmt"
	"os"
	"time"

	"github.com/bt-bridge/realtime-voice/amplitude"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/goccy/go-yaml"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
)

// Environment variable keys
const (
	EnvKeyAPIKey             string = "OPENAI_API_KEY"
	EnvKeySignalingURL       string = "VOICE_SIGNALING_URL"
	EnvKeySignalingMode      string = "VOICE_SIGNALING_MODE"
	EnvKeyNegotiationTimeout string = "VOICE_NEGOTIATION_TIMEOUT"
	EnvKeyLogFile            string = "VOICE_LOG_FILE"
	EnvKeyClientSecret       string = "VOICE_CLIENT_SECRET"
)

type MicrophoneConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	SampleSize int `yaml:"sample_size"`
}

type PeerConfig struct {
	ICEServers []string `yaml:"ice_servers"`
	// RemoteFrameMs sizes the decode buffer for inbound Opus packets.
	RemoteFrameMs int `yaml:"remote_frame_ms"`
}

type PlaybackConfig struct {
	Enabled     bool `yaml:"enabled"`
	SampleRate  int  `yaml:"sample_rate"`
	Channels    int  `yaml:"channels"`
	BufferMs    int  `yaml:"buffer_ms"`
	RingSeconds int  `yaml:"ring_seconds"`
}

// ClientSecretConfig enables minting a short-lived client secret with the API key
// and signaling with that secret instead.
type ClientSecretConfig struct {
	Enabled    bool          `yaml:"enabled"`
	APIBaseURL string        `yaml:"api_base_url"`
	TTL        time.Duration `yaml:"ttl"`
}

type SessionConfig struct {
	SignalingURL  string             `yaml:"signaling_url"`
	SignalingMode SignalingMode      `yaml:"signaling_mode"`
	APIKey        string             `yaml:"-"`
	ClientSecret  ClientSecretConfig `yaml:"client_secret"`
	// Model is sent with the session config in multipart mode.
	Model string `yaml:"model"`
	// NegotiationTimeout bounds ICE gathering, the signaling exchange and the wait
	// for the data channel to open.
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	// Greeting, when set, asks the assistant to speak first once connected.
	Greeting        string           `yaml:"greeting"`
	MaxOutputTokens int              `yaml:"max_output_tokens"`
	Audio           AudioFormat      `yaml:"audio"`
	Microphone      MicrophoneConfig `yaml:"microphone"`
	Peer            PeerConfig       `yaml:"peer"`
	Playback        PlaybackConfig   `yaml:"playback"`
	Profile         SessionProfile   `yaml:"profile"`
	Amplitude       amplitude.Config `yaml:"amplitude"`
	Log             shared.LogConfig `yaml:"log"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SignalingURL:       "https://api.openai.com/v1/realtime/calls",
		SignalingMode:      SignalingModeMultipart,
		Model:              "gpt-realtime",
		ClientSecret: ClientSecretConfig{
			APIBaseURL: "https://api.openai.com/v1/",
			TTL:        10 * time.Minute,
		},
		NegotiationTimeout: 5 * time.Second,
		Audio:              AudioFormat{SampleRate: 24000, Channels: 1},
		Microphone:         MicrophoneConfig{SampleRate: 48000, Channels: 1, SampleSize: 16},
		Peer:               PeerConfig{RemoteFrameMs: 120},
		Playback: PlaybackConfig{
			Enabled:     true,
			SampleRate:  48000,
			Channels:    2,
			BufferMs:    100,
			RingSeconds: 10,
		},
		Profile:   DefaultSessionProfile(),
		Amplitude: amplitude.DefaultConfig(),
	}
}

// LoadConfig reads defaults, then the YAML file at path (if any), then environment
// overrides.
func LoadConfig(path string) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *SessionConfig) applyEnv() (err error) {
	if c.APIKey, err = shared.Getenv(shared.GetenvString, EnvKeyAPIKey, false, c.APIKey); err != nil {
		return err
	}
	if c.SignalingURL, err = shared.Getenv(shared.GetenvString, EnvKeySignalingURL, false, c.SignalingURL); err != nil {
		return err
	}
	mode, err := shared.Getenv(shared.GetenvString, EnvKeySignalingMode, false, string(c.SignalingMode))
	if err != nil {
		return err
	}
	c.SignalingMode = SignalingMode(mode)
	if c.ClientSecret.Enabled, err = shared.Getenv(shared.GetenvBool, EnvKeyClientSecret, false, c.ClientSecret.Enabled); err != nil {
		return err
	}
	if c.NegotiationTimeout, err = shared.Getenv(shared.GetenvDuration, EnvKeyNegotiationTimeout, false, c.NegotiationTimeout); err != nil {
		return err
	}
	if c.Log.File, err = shared.Getenv(shared.GetenvString, EnvKeyLogFile, false, c.Log.File); err != nil {
		return err
	}
	return nil
}

func (c SessionConfig) Validate() error {
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("%w: negotiation timeout must be positive", shared.ErrInvalidConfig)
	}
	switch c.SignalingMode {
	case SignalingModeSDP, SignalingModeMultipart:
	default:
		return fmt.Errorf("%w: unknown signaling mode %q", shared.ErrInvalidConfig, c.SignalingMode)
	}
	if c.ClientSecret.Enabled && (c.ClientSecret.TTL < 10*time.Second || c.ClientSecret.TTL > 2*time.Hour) {
		return fmt.Errorf("%w: client secret ttl %s outside 10s..2h", shared.ErrInvalidConfig, c.ClientSecret.TTL)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("%w: audio format %d Hz, %d channels", shared.ErrInvalidConfig, c.Audio.SampleRate, c.Audio.Channels)
	}
	if len(c.Profile.Modalities) == 0 {
		return fmt.Errorf("%w: profile declares no modalities", shared.ErrInvalidConfig)
	}
	return nil
}

// SessionParam builds the session config sent alongside the offer in multipart mode.
func (c SessionConfig) SessionParam() *realtime.RealtimeSessionCreateRequestParam {
	pcm := realtime.RealtimeAudioFormatsUnionParam{
		OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
			Rate: 24000,
			Type: "audio/pcm",
		},
	}
	p := &realtime.RealtimeSessionCreateRequestParam{
		Model: c.Model,
		Audio: realtime.RealtimeAudioConfigParam{
			Input: realtime.RealtimeAudioConfigInputParam{
				Format: pcm,
				Transcription: realtime.AudioTranscriptionParam{
					Model: realtime.AudioTranscriptionModel(c.Profile.TranscriptionModel),
				},
			},
			Output: realtime.RealtimeAudioConfigOutputParam{
				Format: pcm,
			},
		},
	}
	if c.Profile.Instructions != "" {
		p.Instructions = param.NewOpt(c.Profile.Instructions)
	}
	if c.Profile.Voice != "" {
		p.Audio.Output.Voice = realtime.RealtimeAudioConfigOutputVoice(c.Profile.Voice)
	}
	if td := c.Profile.TurnDetection; td != nil && td.Type == "semantic_vad" {
		p.Audio.Input.TurnDetection = realtime.RealtimeAudioInputTurnDetectionUnionParam{
			OfSemanticVad: &realtime.RealtimeAudioInputTurnDetectionSemanticVadParam{
				CreateResponse:    param.NewOpt(true),
				InterruptResponse: param.NewOpt(true),
				Eagerness:         td.Eagerness,
			},
		}
	}
	if c.MaxOutputTokens > 0 {
		p.MaxOutputTokens = realtime.RealtimeSessionCreateRequestMaxOutputTokensUnionParam{
			OfInt: param.NewOpt(int64(c.MaxOutputTokens)),
		}
	}
	return p
}
