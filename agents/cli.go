package agents

import (
	"context"
	"errors"
	"sync"

	pkg "github.com/bt-bridge/realtime-voice"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bt-bridge/realtime-voice/tools"
	"github.com/bt-bridge/realtime-voice/visual"
	"github.com/goccy/go-yaml"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"go.uber.org/zap"
)

type CLIState struct {
	micOpened bool
	speaking  bool
	ready     bool
}

func NewCLIState() *CLIState {
	return &CLIState{
		micOpened: false,
	}
}

// CLIAgent drives one voice session from a terminal: it prints the lifecycle and
// turn-taking through the printer and plays the assistant through the speaker.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	session *pkg.Session
	speaker *tools.Speaker
	state   *CLIState

	mu sync.Mutex
}

// Spawn builds the session and starts it. opts are passed to pkg.NewSession.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg pkg.SessionConfig,
	printer *shared.Printer,
	opts ...pkg.Option,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if (cfg.SignalingMode == pkg.SignalingModeMultipart || cfg.ClientSecret.Enabled) && cfg.APIKey == "" {
		return shared.ErrNoAPIKey
	}
	a.logger = logger.With(zap.String("component", "agent"))
	a.printer = printer
	a.state = NewCLIState()
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	if err := a.printProfile(cfg); err != nil {
		return err
	}

	// Assistant audio goes to the default output device
	if cfg.Playback.Enabled {
		a.println("\n\n🔈 Opening speaker...", 0)
		speaker, err := tools.NewSpeaker(
			a.logger,
			cfg.Playback.SampleRate,
			cfg.Playback.Channels,
			cfg.Playback.BufferMs,
			cfg.Playback.RingSeconds,
		)
		if err != nil {
			a.logger.Error("opening speaker", err)
			return err
		}
		a.speaker = speaker
		opts = append(opts, pkg.WithAudioSink(speaker))
		a.println("✅ Speaker ready.\n", 0)
	}

	session, err := pkg.NewSession(logger, cfg, opts...)
	if err != nil {
		a.logger.Error("creating session", err)
		a.closeSpeaker()
		return err
	}
	a.session = session
	session.OnStateChange(a.onStateChange)
	session.Visual().OnChange(a.onVisualChange)
	speaker := a.speaker
	session.OnTurnAudio(func(audio *tools.PlayableAudio) {
		a.logger.Debug("turn audio", zap.Duration("duration", audio.Duration()))
		if speaker == nil {
			return
		}
		if err := speaker.PlayTurn(audio); err != nil {
			a.logger.Warn("playing turn audio", zap.Error(err))
		}
	})

	a.println("🎤 Accessing microphone and connecting...", 0)
	if err := session.Start(ctx); err != nil {
		// Failures are printed by onStateChange.
		a.closeSpeaker()
		return err
	}
	a.mu.Lock()
	a.state.micOpened = session.MicEnabled()
	a.mu.Unlock()
	a.println("✅ Connected. Speak, type a message, or /mute, /unmute, /quit.\n", 0)
	return nil
}

func (a *CLIAgent) printProfile(cfg pkg.SessionConfig) error {
	a.println("📋 Session Config\n", 0)
	var (
		out []byte
		err error
	)
	if cfg.SignalingMode == pkg.SignalingModeMultipart {
		out, err = yaml.MarshalWithOptions(cfg.SessionParam(), yaml.UseJSONMarshaler())
	} else {
		out, err = pkg.NewSessionUpdate(cfg.Profile).MarshalYAML()
	}
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(out), 1); err != nil {
		a.logger.Error("printing session config", err)
		return err
	}
	return nil
}

func (a *CLIAgent) printFailure(err error) {
	kind, _ := shared.KindOf(err)
	switch kind {
	case shared.KindMediaAcquisition:
		a.println("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.\n", 0)
	case shared.KindSignaling:
		a.println("❌ The realtime endpoint rejected the session.\n", 0)
	case shared.KindTimeout:
		a.println("❌ Connecting took too long.\n", 0)
	default:
		a.println("❌ Unable to start the voice session.\n", 0)
	}
	a.logger.Error("starting session", err, zap.String("kind", string(kind)))
}

func (a *CLIAgent) onStateChange(prev, next pkg.SessionState) {
	if err := a.printer.Writef(1, "state: %s -> %s", prev, next); err != nil {
		a.logger.Error("printing state change", err)
	}
	if next == pkg.StateError {
		if detail := a.session.ErrorDetail(); detail != nil {
			a.printFailure(detail)
		}
	}
}

// onVisualChange prints turn-taking changes only; scale updates are too frequent
// for a terminal.
func (a *CLIAgent) onVisualChange(sn visual.Snapshot) {
	a.mu.Lock()
	speakingChanged := a.state.speaking != sn.Speaking
	readyChanged := a.state.ready != sn.Ready
	a.state.speaking = sn.Speaking
	a.state.ready = sn.Ready
	a.mu.Unlock()
	if readyChanged && !sn.Ready {
		a.println("🔌 Session closed.", 0)
	}
	if !speakingChanged {
		return
	}
	if sn.Speaking {
		a.println("🔊 Assistant speaking...", 0)
	} else {
		a.println("👂 Listening...", 0)
	}
}

// ToggleMic enables or disables the microphone of a connected session.
func (a *CLIAgent) ToggleMic(enabled bool) error {
	if a.session == nil {
		return shared.ErrSessionNotConnected
	}
	if err := a.session.ToggleMic(enabled); err != nil {
		return err
	}
	a.mu.Lock()
	a.state.micOpened = a.session.MicEnabled()
	opened := a.state.micOpened
	a.mu.Unlock()
	if opened {
		a.println("🎤 Microphone on.", 0)
	} else {
		a.println("🔇 Microphone off.", 0)
	}
	return nil
}

func (a *CLIAgent) SendText(text string) error {
	if a.session == nil {
		return shared.ErrSessionNotConnected
	}
	return a.session.SendText(text)
}

// Transcript returns what the assistant said aloud and what it wrote so far.
func (a *CLIAgent) Transcript() (spoken string, written []string) {
	if a.session == nil {
		return "", nil
	}
	return a.session.Transcript(), a.session.AssistantText()
}

// Done is closed when the session has ended and released its resources.
func (a *CLIAgent) Done() <-chan struct{} {
	if a.session == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return a.session.Done()
}

func (a *CLIAgent) Close() error {
	var err error
	if a.session != nil {
		err = a.session.End()
	}
	a.closeSpeaker()
	return err
}

func (a *CLIAgent) closeSpeaker() {
	if a.speaker == nil {
		return
	}
	if err := a.speaker.Close(); err != nil {
		a.logger.Debug("closing speaker", zap.Error(err))
	}
	a.speaker = nil
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}
