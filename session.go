package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/bt-bridge/realtime-voice/amplitude"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bt-bridge/realtime-voice/tools"
	"github.com/bt-bridge/realtime-voice/visual"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// AudioSink plays decoded remote audio.
type AudioSink interface {
	PlayPCM(pcm []byte, sampleRate, channels int) error
}

// Option overrides a collaborator of NewSession.
type Option func(*Session)

// WithMediaSource replaces the default microphone source.
func WithMediaSource(src MediaSource) Option {
	return func(s *Session) { s.media = src }
}

// WithSignaler replaces the HTTP signaler built from the config.
func WithSignaler(sig Signaler) Option {
	return func(s *Session) { s.signaler = sig }
}

// WithPeerFactory replaces the pion peer connection factory.
func WithPeerFactory(f PeerFactory) Option {
	return func(s *Session) { s.newPeer = f }
}

// WithVisualState shares an existing visual state instead of creating one.
func WithVisualState(state *visual.State) Option {
	return func(s *Session) { s.visual = state }
}

// WithAudioSink receives the decoded remote audio stream.
func WithAudioSink(sink AudioSink) Option {
	return func(s *Session) { s.sink = sink }
}

type stateChange struct {
	prev, next SessionState
}

// Session owns the lifecycle of one voice session: microphone, peer connection and
// data channel are acquired together by Start and released together.
type Session struct {
	logger    shared.LoggerAdapter
	cfg       SessionConfig
	media     MediaSource
	signaler  Signaler
	newPeer   PeerFactory
	sink      AudioSink
	visual    *visual.State
	extractor *amplitude.Extractor

	mu         sync.Mutex
	state      SessionState
	errDetail  *shared.SessionError
	micEnabled bool
	attempt    uint64
	res        *resources
	closing    *resources
	dispatcher *Dispatcher
	done       chan struct{}
	pending    []stateChange
	stateHooks []func(prev, next SessionState)
	turnHooks  []func(*tools.PlayableAudio)

	// ampMu serializes extractor source switches with teardown.
	ampMu     sync.Mutex
	ampSource *amplitude.Window
}

// resources is everything acquired by one start attempt.
type resources struct {
	attempt    uint64
	ctx        context.Context
	cancel     context.CancelFunc
	mic        Microphone
	peer       Peer
	dispatcher *Dispatcher
	micWindow  *amplitude.Window
	remote     *amplitude.Window

	opened      chan struct{}
	openOnce    sync.Once
	failed      chan error
	releaseOnce sync.Once
	done        chan struct{}
}

// fail hands a negotiation failure to the start path without blocking.
func (r *resources) fail(err error) {
	select {
	case r.failed <- err:
	default:
	}
}

func NewSession(logger shared.LoggerAdapter, cfg SessionConfig, opts ...Option) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	close(done)
	s := &Session{
		logger: logger.With(zap.String("component", "session")),
		cfg:    cfg,
		state:  StateIdle,
		done:   done,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.visual == nil {
		s.visual = visual.NewState(cfg.Amplitude.Scaler.Output.Min)
	}
	if s.media == nil {
		s.media = NewDeviceSource(logger, cfg.Microphone)
	}
	if s.newPeer == nil {
		s.newPeer = NewPionPeerFactory(cfg.Peer)
	}
	if s.signaler == nil {
		sigOpts := []HTTPSignalerOption{WithRequestTimeout(cfg.NegotiationTimeout)}
		switch {
		case cfg.ClientSecret.Enabled:
			issuer, err := NewClientSecretIssuer(logger, cfg.APIKey, cfg.ClientSecret.APIBaseURL, cfg.SessionParam(), cfg.ClientSecret.TTL)
			if err != nil {
				return nil, err
			}
			sigOpts = append(sigOpts, WithTokenSource(issuer))
		case cfg.APIKey != "":
			sigOpts = append(sigOpts, WithBearerToken(cfg.APIKey))
		}
		if cfg.SignalingMode == SignalingModeMultipart {
			sigOpts = append(sigOpts, WithSessionConfig(cfg.SessionParam()))
		}
		sig, err := NewHTTPSignaler(logger, cfg.SignalingURL, sigOpts...)
		if err != nil {
			return nil, err
		}
		s.signaler = sig
	}
	ext, err := amplitude.NewExtractor(logger, cfg.Amplitude, s.visual)
	if err != nil {
		return nil, err
	}
	s.extractor = ext
	return s, nil
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorDetail is the cause of the last failure, or nil. It is cleared by Start.
func (s *Session) ErrorDetail() *shared.SessionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errDetail
}

func (s *Session) MicEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micEnabled
}

func (s *Session) Visual() *visual.State {
	return s.visual
}

// Done is closed once the resources of the latest attempt have been released.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Transcript is the transcript of what the assistant said aloud in the latest
// session.
func (s *Session) Transcript() string {
	s.mu.Lock()
	d := s.dispatcher
	s.mu.Unlock()
	if d == nil {
		return ""
	}
	return d.Transcript()
}

// AssistantText returns the assistant's text buffers of the latest session.
func (s *Session) AssistantText() []string {
	s.mu.Lock()
	d := s.dispatcher
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Messages()
}

// OnStateChange registers fn for every transition. Hooks run outside the session lock.
func (s *Session) OnStateChange(fn func(prev, next SessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHooks = append(s.stateHooks, fn)
}

// OnTurnAudio registers fn for every finalized assistant turn.
func (s *Session) OnTurnAudio(fn func(*tools.PlayableAudio)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnHooks = append(s.turnHooks, fn)
}

// Start acquires the microphone, negotiates the peer connection and returns once
// the data channel is open. It is a no-op while another attempt or session is
// active. On failure the session moves to StateError and the returned error is a
// *shared.SessionError. If End is called meanwhile, Start returns
// shared.ErrSessionEnded.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if err := s.waitClosingLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state.active() {
		state := s.state
		s.mu.Unlock()
		s.logger.Debug("start ignored, session already active", zap.Stringer("state", state))
		return nil
	}
	s.attempt++
	res := s.newResources(s.attempt)
	s.res = res
	s.dispatcher = res.dispatcher
	s.done = res.done
	s.errDetail = nil
	s.micEnabled = false
	s.setStateLocked(StateAcquiringMedia)
	s.unlockAndNotify()

	res.dispatcher.Start()
	err := s.start(ctx, res)
	if err == nil {
		return nil
	}
	return s.abort(res, err)
}

func (s *Session) newResources(attempt uint64) *resources {
	ctx, cancel := context.WithCancel(context.Background())
	res := &resources{
		attempt:   attempt,
		ctx:       ctx,
		cancel:    cancel,
		micWindow: amplitude.NewWindow(s.cfg.Amplitude.FFTSize, s.cfg.Amplitude.StaleAfter),
		remote:    amplitude.NewWindow(s.cfg.Amplitude.FFTSize, s.cfg.Amplitude.StaleAfter),
		opened:    make(chan struct{}),
		failed:    make(chan error, 1),
		done:      make(chan struct{}),
	}
	res.dispatcher = NewDispatcher(s.logger, s.cfg.Audio, s.visual, res.remote, DispatcherHooks{
		OnTurnAudio: s.emitTurn,
		OnSpeaking: func(speaking bool) {
			if speaking {
				s.follow(res, res.remote, visual.SourceAssistant)
			} else {
				s.follow(res, res.micWindow, visual.SourceMic)
			}
		},
	})
	return res
}

func (s *Session) start(ctx context.Context, res *resources) error {
	// End cancels res.ctx, which aborts every suspension point below.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(res.ctx, cancel)
	defer stop()

	mic, err := s.media.Acquire(ctx)
	if err != nil {
		return classify(shared.KindMediaAcquisition, "acquiring microphone", err)
	}
	if !s.adopt(res, func() { res.mic = mic }) {
		_ = mic.Stop()
		return shared.ErrSessionEnded
	}
	if !s.transition(res, StateNegotiating) {
		return shared.ErrSessionEnded
	}

	ctx, cancelNeg := context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
	defer cancelNeg()

	peer, err := s.newPeer(res.ctx, s.logger, mic, s.peerHooks(res))
	if err != nil {
		return classify(shared.KindNegotiation, "creating peer connection", err)
	}
	if !s.adopt(res, func() { res.peer = peer }) {
		_ = peer.Close()
		return shared.ErrSessionEnded
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return classify(shared.KindNegotiation, "creating offer", err)
	}
	if offer, err = PreferOpus(offer); err != nil {
		return classify(shared.KindNegotiation, "applying codec policy", err)
	}
	answer, err := s.signaler.Exchange(ctx, offer)
	if err != nil {
		return classify(shared.KindSignaling, "exchanging session description", err)
	}
	if s.ended(res) {
		s.logger.Info("answer arrived after end, discarding")
		return shared.ErrSessionEnded
	}
	if err := peer.SetAnswer(answer); err != nil {
		return classify(shared.KindNegotiation, "applying answer", err)
	}

	select {
	case <-res.opened:
	case err := <-res.failed:
		return err
	case <-ctx.Done():
		return classify(shared.KindNegotiation, "waiting for data channel", ctx.Err())
	}
	return s.connect(res)
}

func classify(kind shared.ErrorKind, msg string, err error) error {
	var se *shared.SessionError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return shared.NewSessionError(shared.KindTimeout, msg+" timed out", err)
	}
	return shared.NewSessionError(kind, msg, err)
}

func (s *Session) connect(res *resources) error {
	s.mu.Lock()
	if s.res != res {
		s.mu.Unlock()
		return shared.ErrSessionEnded
	}
	select {
	case err := <-res.failed:
		s.mu.Unlock()
		return err
	default:
	}
	s.micEnabled = true
	res.mic.SetEnabled(true)
	s.setStateLocked(StateConnected)
	s.unlockAndNotify()

	s.visual.SetReady(true)
	go res.mic.Tap(res.ctx, res.micWindow)
	s.follow(res, res.micWindow, visual.SourceMic)

	if err := s.send(res.peer, NewSessionUpdate(s.cfg.Profile)); err != nil {
		s.logger.Warn("declaring session profile", zap.Error(err))
	}
	if s.cfg.Greeting != "" {
		if err := s.send(res.peer, NewResponseCreate(s.cfg.Greeting, s.cfg.MaxOutputTokens)); err != nil {
			s.logger.Warn("sending greeting", zap.Error(err))
		}
	}
	s.logger.Info("session connected", zap.Uint64("attempt", res.attempt))
	return nil
}

// abort records a failed attempt and releases what it acquired.
func (s *Session) abort(res *resources, err error) error {
	var se *shared.SessionError
	if !errors.As(err, &se) {
		if errors.Is(err, shared.ErrSessionEnded) {
			s.release(res)
			return err
		}
		se = shared.NewSessionError(shared.KindNegotiation, "starting session", err)
	}
	if !s.finish(res, StateError, se) {
		s.release(res)
		return shared.ErrSessionEnded
	}
	s.logger.Error("session start failed", se, zap.String("kind", string(se.Kind)))
	return se
}

func (s *Session) peerHooks(res *resources) PeerHooks {
	return PeerHooks{
		OnChannelOpen: func() {
			res.openOnce.Do(func() { close(res.opened) })
		},
		OnChannelClose: func() {
			s.onDisconnect(res, nil, shared.NewSessionError(shared.KindChannel, "data channel closed before open", nil))
		},
		OnChannelError: func(err error) {
			se := shared.NewSessionError(shared.KindChannel, "data channel error", err)
			if s.whenConnected(res, se) {
				go s.finish(res, StateError, se)
			}
		},
		OnMessage: func(data []byte) {
			res.dispatcher.Enqueue(append([]byte(nil), data...))
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			switch state {
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
				se := shared.NewSessionError(shared.KindNegotiation, "peer connection "+state.String(), nil)
				s.onDisconnect(res, se, se)
			case webrtc.PeerConnectionStateClosed:
				s.onDisconnect(res, nil, shared.NewSessionError(shared.KindNegotiation, "peer connection closed", nil))
			}
		},
		OnRemoteAudio: func(pcm []byte, format AudioFormat) {
			res.remote.Write(pcm, format.Channels)
			if s.sink == nil {
				return
			}
			if err := s.sink.PlayPCM(pcm, format.SampleRate, format.Channels); err != nil {
				s.logger.Debug("playing remote audio", zap.Error(err))
			}
		},
	}
}

// onDisconnect tears a connected session down to Idle, recording detail. Before
// Connected, early is handed to the start path instead.
func (s *Session) onDisconnect(res *resources, detail, early *shared.SessionError) {
	if !s.whenConnected(res, early) {
		return
	}
	if detail != nil {
		s.logger.Warn("connectivity lost", zap.String("reason", detail.Message))
	} else {
		s.logger.Info("remote closed the session")
	}
	go s.finish(res, StateIdle, detail)
}

// whenConnected reports whether res is the live, connected session. Otherwise a
// still-current attempt receives early as its failure.
func (s *Session) whenConnected(res *resources, early error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res != res {
		return false
	}
	if s.state != StateConnected {
		res.fail(early)
		return false
	}
	return true
}

// ToggleMic enables or disables the outgoing track and declares the session
// profile. It has no effect unless the session is connected.
func (s *Session) ToggleMic(enabled bool) error {
	s.mu.Lock()
	if s.state != StateConnected || s.res == nil {
		state := s.state
		s.mu.Unlock()
		s.logger.Debug("toggle mic ignored", zap.Stringer("state", state))
		return nil
	}
	res := s.res
	s.micEnabled = enabled
	res.mic.SetEnabled(enabled)
	s.mu.Unlock()

	s.logger.Info("microphone toggled", zap.Bool("enabled", enabled))
	if err := s.send(res.peer, NewSessionUpdate(s.cfg.Profile)); err != nil {
		return shared.NewSessionError(shared.KindChannel, "sending session update", err)
	}
	return nil
}

// SendText adds a user message to the conversation and requests a response.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	if s.state != StateConnected || s.res == nil {
		s.mu.Unlock()
		return shared.ErrSessionNotConnected
	}
	res := s.res
	s.mu.Unlock()

	res.dispatcher.CloseText()
	for _, ev := range []*ClientEvent{
		NewConversationItemCreate(text),
		NewResponseCreate("", s.cfg.MaxOutputTokens),
	} {
		if err := s.send(res.peer, ev); err != nil {
			return shared.NewSessionError(shared.KindChannel, "sending text", err)
		}
	}
	return nil
}

// End releases everything the session holds and leaves it Idle. It may be called
// any number of times from any state, including while Start is in flight.
func (s *Session) End() error {
	s.mu.Lock()
	res := s.res
	s.mu.Unlock()
	if res != nil {
		s.finish(res, StateIdle, nil)
	}

	s.mu.Lock()
	_ = s.waitClosingLocked(context.Background())
	// An attempt installed meanwhile belongs to a later Start.
	if s.res == nil && s.state != StateIdle {
		s.setStateLocked(StateIdle)
	}
	s.unlockAndNotify()
	return nil
}

// finish detaches res from the session, moves to next and releases res. It
// reports false if res was no longer current.
func (s *Session) finish(res *resources, next SessionState, detail *shared.SessionError) bool {
	s.mu.Lock()
	if s.res != res {
		s.mu.Unlock()
		return false
	}
	s.res = nil
	s.closing = res
	s.micEnabled = false
	if detail != nil {
		s.errDetail = detail
	}
	if next == StateIdle {
		s.setStateLocked(StateClosing)
	} else {
		s.setStateLocked(next)
	}
	s.unlockAndNotify()

	s.release(res)

	s.mu.Lock()
	s.closing = nil
	if next == StateIdle && s.state == StateClosing {
		s.setStateLocked(StateIdle)
	}
	s.unlockAndNotify()
	return true
}

// release runs the teardown sequence of res exactly once.
func (s *Session) release(res *resources) {
	res.releaseOnce.Do(func() {
		defer close(res.done)
		if res.peer != nil {
			if err := s.send(res.peer, NewSessionEnd()); err != nil {
				s.logger.Debug("session end not delivered", zap.Error(err))
			}
		}
		res.cancel()
		res.dispatcher.Close()

		s.ampMu.Lock()
		s.extractor.Detach()
		s.ampSource = nil
		s.ampMu.Unlock()
		res.micWindow.Close()
		res.remote.Close()

		if res.mic != nil {
			res.mic.SetEnabled(false)
			if err := res.mic.Stop(); err != nil {
				s.logger.Warn("stopping microphone", zap.Error(err))
			}
		}
		if res.peer != nil {
			if err := res.peer.Close(); err != nil {
				s.logger.Warn("closing peer", zap.Error(err))
			}
		}
		s.visual.Reset()
		s.logger.Info("session resources released", zap.Uint64("attempt", res.attempt))
	})
}

// waitClosingLocked waits, with s.mu held on entry and exit, for a teardown in
// progress to complete.
func (s *Session) waitClosingLocked(ctx context.Context) error {
	for s.closing != nil {
		done := s.closing.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
		s.mu.Lock()
	}
	return nil
}

// follow points the amplitude extractor at src unless res has been released.
func (s *Session) follow(res *resources, src *amplitude.Window, kind visual.Source) {
	s.ampMu.Lock()
	defer s.ampMu.Unlock()
	if res.ctx.Err() != nil || s.ampSource == src {
		return
	}
	var paused func() bool
	if kind == visual.SourceMic && s.cfg.Amplitude.PauseWhenMuted {
		paused = func() bool { return !s.MicEnabled() }
	}
	s.extractor.Attach(res.ctx, src, kind, paused)
	s.ampSource = src
}

func (s *Session) send(peer Peer, ev Event) error {
	data, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	if err := peer.Send(data); err != nil {
		return err
	}
	s.logger.Debug("sent event", zap.String("type", string(ev.EventType())))
	return nil
}

func (s *Session) emitTurn(audio *tools.PlayableAudio) {
	s.mu.Lock()
	hooks := s.turnHooks
	s.mu.Unlock()
	for _, h := range hooks {
		h(audio)
	}
}

func (s *Session) adopt(res *resources, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res != res {
		return false
	}
	fn()
	return true
}

func (s *Session) transition(res *resources, next SessionState) bool {
	s.mu.Lock()
	if s.res != res {
		s.mu.Unlock()
		return false
	}
	s.setStateLocked(next)
	s.unlockAndNotify()
	return true
}

func (s *Session) ended(res *resources) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res != res
}

func (s *Session) setStateLocked(next SessionState) {
	if s.state == next {
		return
	}
	s.pending = append(s.pending, stateChange{prev: s.state, next: next})
	s.state = next
}

// unlockAndNotify releases s.mu and runs state hooks for queued transitions.
func (s *Session) unlockAndNotify() {
	pending := s.pending
	s.pending = nil
	hooks := s.stateHooks
	s.mu.Unlock()
	for _, c := range pending {
		s.logger.Info(
			"session state changed",
			zap.Stringer("prev", c.prev),
			zap.Stringer("new", c.next),
		)
		for _, h := range hooks {
			h(c.prev, c.next)
		}
	}
}
