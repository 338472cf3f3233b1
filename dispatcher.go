package realtime

import (
	"errors"
	"strings"
	"sync"

	"github.com/bt-bridge/realtime-voice/amplitude"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bt-bridge/realtime-voice/tools"
	"github.com/bt-bridge/realtime-voice/visual"
	"go.uber.org/zap"
)

// AudioFormat describes the PCM16 carried in audio deltas.
type AudioFormat struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// DispatcherHooks receive the effects of dispatched events. Any hook may be nil.
type DispatcherHooks struct {
	// OnTurnAudio gets every finalized assistant turn.
	OnTurnAudio func(*tools.PlayableAudio)
	// OnSpeaking fires when the assistant starts or stops speaking.
	OnSpeaking func(speaking bool)
	// OnRemoteError gets error events sent by the endpoint.
	OnRemoteError func(*ServerEventParamError)
	// OnEvent observes every decoded event after it has been applied.
	OnEvent func(*ServerEvent)
}

// Dispatcher applies inbound data channel frames strictly in arrival order.
type Dispatcher struct {
	logger shared.LoggerAdapter
	format AudioFormat
	hooks  DispatcherHooks
	visual *visual.State
	// assistant receives inbound PCM for the amplitude extractor; may be nil.
	assistant *amplitude.Window
	turn      *tools.TurnBuffer

	mu         sync.Mutex
	messages   []string
	textOpen   bool
	transcript strings.Builder
	speaking   bool

	queue     chan []byte
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewDispatcher(
	logger shared.LoggerAdapter,
	format AudioFormat,
	state *visual.State,
	assistant *amplitude.Window,
	hooks DispatcherHooks,
) *Dispatcher {
	return &Dispatcher{
		logger:    logger.With(zap.String("component", "dispatcher")),
		format:    format,
		hooks:     hooks,
		visual:    state,
		assistant: assistant,
		turn:      tools.NewTurnBuffer(format.SampleRate * format.Channels * tools.BytesPerSample),
		queue:     make(chan []byte, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the dispatch loop. Calling it again has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Enqueue hands a raw frame to the dispatch loop, blocking while the queue is full.
// It reports false once the dispatcher is closed.
func (d *Dispatcher) Enqueue(frame []byte) bool {
	select {
	case <-d.stop:
		return false
	default:
	}
	select {
	case d.queue <- frame:
		return true
	case <-d.stop:
		return false
	}
}

// Close stops the loop, waits for the frame in flight, and drops any partial turn.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.startOnce.Do(func() { close(d.done) })
		<-d.done
		d.turn.Reset()
		d.setSpeaking(false)
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case frame := <-d.queue:
			_ = d.Handle(frame)
		}
	}
}

// Handle decodes and applies one frame on the caller's goroutine. Decode failures and
// unknown types are logged and returned; they never affect the session.
func (d *Dispatcher) Handle(frame []byte) error {
	event := new(ServerEvent)
	if err := event.UnmarshalJSON(frame); err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			d.logger.Debug("ignoring unrecognized event", zap.String("type", event.WireType))
		} else {
			d.logger.Warn("dropping malformed event", zap.Error(err), zap.ByteString("data", frame))
		}
		return err
	}
	d.logger.Trace(
		"received event",
		zap.String("type", event.WireType),
		zap.String("event_id", event.EventId),
	)
	d.apply(event)
	if d.hooks.OnEvent != nil {
		d.hooks.OnEvent(event)
	}
	return nil
}

func (d *Dispatcher) apply(event *ServerEvent) {
	switch p := event.Param.(type) {
	case *ServerEventParamTextDelta:
		d.appendText(p.Delta)
	case *ServerEventParamAudioDelta:
		d.turn.Append(p.Audio)
		if d.assistant != nil {
			d.assistant.Write(p.Audio, d.format.Channels)
		}
		d.setSpeaking(true)
	case *ServerEventParamAudioDone:
		d.finalizeTurn(p)
	case *ServerEventParamTranscriptDelta:
		d.mu.Lock()
		d.transcript.WriteString(p.Delta)
		d.mu.Unlock()
	case *ServerEventParamSpeechStarted:
		d.mu.Lock()
		d.transcript.Reset()
		d.textOpen = false
		d.mu.Unlock()
	case *ServerEventParamOutputAudioBuffer:
		d.setSpeaking(event.Type == ServerEventTypeOutputAudioBufferStarted)
	case *ServerEventParamError:
		d.logger.Warn(
			"endpoint reported an error",
			zap.String("code", p.Code),
			zap.String("message", p.Message),
		)
		if d.hooks.OnRemoteError != nil {
			d.hooks.OnRemoteError(p)
		}
	case *ServerEventParamSession:
		d.logger.Debug("session acknowledged", zap.String("type", event.WireType))
	default:
		d.logger.Warn("event has no handler", zap.String("type", event.WireType))
	}
}

func (d *Dispatcher) finalizeTurn(p *ServerEventParamAudioDone) {
	audio, trimmed, err := d.turn.Finalize(d.format.SampleRate, d.format.Channels)
	if err != nil {
		if errors.Is(err, shared.ErrEmptyTurn) {
			d.logger.Debug("audio done without audio", zap.String("response_id", p.ResponseId))
			return
		}
		d.logger.Error("finalizing turn audio", err)
		return
	}
	if trimmed > 0 {
		d.logger.Warn("turn audio ended mid-frame", zap.Int("trimmedBytes", trimmed))
	}
	d.logger.Debug(
		"turn audio finalized",
		zap.String("response_id", p.ResponseId),
		zap.Int("bytes", len(audio.PCM())),
		zap.Duration("duration", audio.Duration()),
	)
	if d.hooks.OnTurnAudio != nil {
		d.hooks.OnTurnAudio(audio)
	}
}

func (d *Dispatcher) appendText(delta string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.textOpen || len(d.messages) == 0 {
		d.messages = append(d.messages, "")
		d.textOpen = true
	}
	d.messages[len(d.messages)-1] += delta
}

func (d *Dispatcher) setSpeaking(speaking bool) {
	d.mu.Lock()
	changed := d.speaking != speaking
	d.speaking = speaking
	d.mu.Unlock()
	if !changed {
		return
	}
	if d.visual != nil {
		d.visual.SetSpeaking(speaking)
	}
	if d.hooks.OnSpeaking != nil {
		d.hooks.OnSpeaking(speaking)
	}
}

// CloseText ends the open assistant text buffer so the next delta starts a new one.
func (d *Dispatcher) CloseText() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.textOpen = false
}

// Messages returns the assistant text buffers, oldest first.
func (d *Dispatcher) Messages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.messages...)
}

func (d *Dispatcher) Transcript() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transcript.String()
}

func (d *Dispatcher) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// PendingTurnBytes is the size of the turn currently being assembled.
func (d *Dispatcher) PendingTurnBytes() int {
	return d.turn.Len()
}
