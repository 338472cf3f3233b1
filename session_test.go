package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-voice/amplitude"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bt-bridge/realtime-voice/visual"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMic struct {
	mu          sync.Mutex
	enabled     bool
	enableCalls int
	stops       int
}

func (m *fakeMic) Stream(ctx context.Context, _ *webrtc.TrackLocalStaticSample) {}

func (m *fakeMic) Tap(ctx context.Context, w *amplitude.Window) {}

func (m *fakeMic) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	m.enableCalls++
}

func (m *fakeMic) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *fakeMic) counts() (enableCalls, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enableCalls, m.stops
}

type fakeMedia struct {
	mic      *fakeMic
	err      error
	gate     chan struct{}
	acquires atomic.Int32
}

func (f *fakeMedia) Acquire(ctx context.Context) (Microphone, error) {
	f.acquires.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.mic, nil
}

type fakePeer struct {
	mu        sync.Mutex
	hooks     PeerHooks
	sent      [][]byte
	answers   []string
	closes    int
	open      bool
	onAnswer  func(p *fakePeer)
	closeGate chan struct{}
}

func (p *fakePeer) CreateOffer(ctx context.Context) (string, error) {
	return browserOffer, nil
}

func (p *fakePeer) SetAnswer(sdp string) error {
	p.mu.Lock()
	p.answers = append(p.answers, sdp)
	onAnswer := p.onAnswer
	p.mu.Unlock()
	if onAnswer != nil {
		onAnswer(p)
	}
	return nil
}

// openChannel marks the channel open and fires the hook like pion would.
func (p *fakePeer) openChannel() {
	p.mu.Lock()
	p.open = true
	hook := p.hooks.OnChannelOpen
	p.mu.Unlock()
	go hook()
}

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return shared.ErrChannelNotOpen
	}
	p.sent = append(p.sent, data)
	return nil
}

// Close holds until closeGate is closed, when set.
func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.open = false
	gate := p.closeGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (p *fakePeer) sentTypes(t *testing.T) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.sent))
	for _, frame := range p.sent {
		var m map[string]any
		require.NoError(t, sonic.Unmarshal(frame, &m))
		types = append(types, m["type"].(string))
	}
	return types
}

func (p *fakePeer) lastSent(t *testing.T, typ string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.sent) - 1; i >= 0; i-- {
		var m map[string]any
		require.NoError(t, sonic.Unmarshal(p.sent[i], &m))
		if m["type"] == typ {
			return m
		}
	}
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) answerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.answers)
}

type peerRecorder struct {
	mu    sync.Mutex
	peer  *fakePeer
	peers int
}

func (r *peerRecorder) factory(ctx context.Context, logger shared.LoggerAdapter, mic Microphone, hooks PeerHooks) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers++
	r.peer.mu.Lock()
	r.peer.hooks = hooks
	r.peer.mu.Unlock()
	return r.peer, nil
}

func (r *peerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers
}

type fakeSignaler struct {
	mu     sync.Mutex
	offers []string
	errs   []error
	gate   chan struct{}
	block  bool
	calls  atomic.Int32
}

func (f *fakeSignaler) Exchange(ctx context.Context, offer string) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.offers = append(f.offers, offer)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return "v=0\r\nanswer", nil
}

type harness struct {
	session  *Session
	mic      *fakeMic
	media    *fakeMedia
	peer     *fakePeer
	peers    *peerRecorder
	signaler *fakeSignaler

	mu     sync.Mutex
	states []SessionState
}

func (h *harness) transitions() []SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SessionState(nil), h.states...)
}

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.SignalingMode = SignalingModeSDP
	cfg.SignalingURL = "http://127.0.0.1:0/unused"
	cfg.NegotiationTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg SessionConfig, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		mic:      new(fakeMic),
		peer:     new(fakePeer),
		signaler: new(fakeSignaler),
	}
	h.media = &fakeMedia{mic: h.mic}
	h.peer.onAnswer = (*fakePeer).openChannel
	h.peers = &peerRecorder{peer: h.peer}

	base := []Option{
		WithMediaSource(h.media),
		WithPeerFactory(h.peers.factory),
		WithSignaler(h.signaler),
	}
	s, err := NewSession(shared.NewNopLogger(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	s.OnStateChange(func(_, next SessionState) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, next)
	})
	h.session = s
	t.Cleanup(func() { _ = s.End() })
	return h
}

func TestSessionHappyPath(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, StateConnected, h.session.State())
	assert.True(t, h.session.MicEnabled())
	assert.True(t, h.mic.Enabled())
	assert.True(t, h.session.Visual().Snapshot().Ready)
	assert.Nil(t, h.session.ErrorDetail())
	assert.Equal(t, []string{"session.update"}, h.peer.sentTypes(t))

	// The offer reaching the endpoint prefers Opus with FEC and a 10ms ptime.
	md := audioSection(t, h.signaler.offers[0])
	assert.Equal(t, []string{"111", "0", "8", "9"}, md.MediaName.Formats)
	assert.Equal(t, "stereo=1;minptime=10;useinbandfec=1", fmtpFor(md, "111"))

	require.NoError(t, h.session.End())
	assert.Equal(t, StateIdle, h.session.State())
	assert.Equal(t, "session.end", h.peer.sentTypes(t)[1])
	_, stops := h.mic.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.peer.closeCount())
	assert.False(t, h.session.Visual().Snapshot().Ready)

	select {
	case <-h.session.Done():
	default:
		t.Fatal("done not closed after end")
	}
	assert.Equal(t, []SessionState{
		StateAcquiringMedia, StateNegotiating, StateConnected, StateClosing, StateIdle,
	}, h.transitions())
}

func TestSessionGreeting(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Greet the user."
	cfg.MaxOutputTokens = 100
	h := newHarness(t, cfg)

	require.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, []string{"session.update", "response.create"}, h.peer.sentTypes(t))
	resp := h.peer.lastSent(t, "response.create")["response"].(map[string]any)
	assert.Equal(t, "Greet the user.", resp["instructions"])
}

func TestSessionStartIsNoopWhileActive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.media.gate = make(chan struct{})

	errC := make(chan error, 1)
	go func() { errC <- h.session.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return h.session.State() == StateAcquiringMedia
	}, time.Second, time.Millisecond)

	assert.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, int32(1), h.media.acquires.Load())

	close(h.media.gate)
	require.NoError(t, <-errC)
	require.Equal(t, StateConnected, h.session.State())

	assert.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, int32(1), h.media.acquires.Load())
	assert.Equal(t, 1, h.peers.count())
	assert.Equal(t, int32(1), h.signaler.calls.Load())
}

func TestSessionPermissionDenied(t *testing.T) {
	h := newHarness(t, testConfig())
	h.media.err = errors.New("NotAllowedError: permission denied")

	err := h.session.Start(context.Background())
	assert.ErrorIs(t, err, shared.KindMediaAcquisition)
	assert.Equal(t, StateError, h.session.State())
	require.NotNil(t, h.session.ErrorDetail())
	assert.Equal(t, shared.KindMediaAcquisition, h.session.ErrorDetail().Kind)
	assert.Equal(t, 0, h.peers.count())
	assert.Equal(t, int32(0), h.signaler.calls.Load())
}

func TestSessionToggleMicMidSession(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.session.Start(context.Background()))

	require.NoError(t, h.session.ToggleMic(false))
	assert.Equal(t, []string{"session.update", "session.update"}, h.peer.sentTypes(t))
	assert.False(t, h.mic.Enabled())
	assert.False(t, h.session.MicEnabled())
	assert.Equal(t, StateConnected, h.session.State())

	session := h.peer.lastSent(t, "session.update")["session"].(map[string]any)
	assert.Equal(t, []any{"text", "audio"}, session["modalities"])
	assert.Nil(t, session["turn_detection"])
	assert.Equal(t, "whisper-1", session["input_audio_transcription"].(map[string]any)["model"])
}

func TestSessionToggleMicBeforeConnected(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.session.ToggleMic(true))
	assert.Equal(t, StateIdle, h.session.State())

	h.media.gate = make(chan struct{})
	go func() { _ = h.session.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return h.session.State() == StateAcquiringMedia
	}, time.Second, time.Millisecond)

	require.NoError(t, h.session.ToggleMic(true))
	assert.False(t, h.session.MicEnabled())
	enableCalls, _ := h.mic.counts()
	assert.Zero(t, enableCalls)
	assert.Empty(t, h.peer.sentTypes(t))
	close(h.media.gate)
}

func TestSessionSignalingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "SDP exchange error", http.StatusInternalServerError)
	}))
	defer srv.Close()
	sig, err := NewHTTPSignaler(shared.NewNopLogger(), srv.URL)
	require.NoError(t, err)

	h := newHarness(t, testConfig(), WithSignaler(sig))
	err = h.session.Start(context.Background())
	assert.ErrorIs(t, err, shared.KindSignaling)
	assert.Equal(t, StateError, h.session.State())
	assert.Equal(t, shared.KindSignaling, h.session.ErrorDetail().Kind)

	_, stops := h.mic.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.peer.closeCount())
	assert.False(t, h.mic.Enabled())
}

func TestSessionEndWhileAwaitingAnswer(t *testing.T) {
	h := newHarness(t, testConfig())
	h.signaler.gate = make(chan struct{})

	errC := make(chan error, 1)
	go func() { errC <- h.session.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return h.signaler.calls.Load() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, h.session.End())
	assert.Equal(t, StateIdle, h.session.State())
	_, stops := h.mic.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.peer.closeCount())

	close(h.signaler.gate)
	assert.ErrorIs(t, <-errC, shared.ErrSessionEnded)
	assert.Equal(t, StateIdle, h.session.State())
	assert.Zero(t, h.peer.answerCount())
	assert.NotContains(t, h.transitions(), StateConnected)

	_, stops = h.mic.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.peer.closeCount())
}

func TestSessionEndIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.session.End())
	assert.Equal(t, StateIdle, h.session.State())

	require.NoError(t, h.session.Start(context.Background()))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.session.End())
		}()
	}
	wg.Wait()
	require.NoError(t, h.session.End())

	assert.Equal(t, StateIdle, h.session.State())
	_, stops := h.mic.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.peer.closeCount())
}

// End and Start both waiting on a teardown must never leave an attempt running
// under an Idle state.
func TestSessionEndRacingStartKeepsOneAttempt(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		h := newHarness(t, testConfig())
		require.NoError(t, h.session.Start(ctx))

		gate := make(chan struct{})
		h.peer.mu.Lock()
		h.peer.closeGate = gate
		h.peer.mu.Unlock()
		h.peer.hooks.OnConnectionState(webrtc.PeerConnectionStateFailed)
		require.Eventually(t, func() bool {
			return h.peer.closeCount() == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, StateClosing, h.session.State())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.session.End())
		}()
		go func() {
			defer wg.Done()
			if err := h.session.Start(ctx); err != nil {
				assert.ErrorIs(t, err, shared.ErrSessionEnded)
			}
		}()
		time.Sleep(2 * time.Millisecond)
		close(gate)
		wg.Wait()

		h.session.mu.Lock()
		state, live := h.session.state, h.session.res
		h.session.mu.Unlock()
		if live != nil {
			assert.Equal(t, StateConnected, state, "iteration %d", i)
		} else {
			assert.Equal(t, StateIdle, state, "iteration %d", i)
		}

		acquires := h.media.acquires.Load()
		require.NoError(t, h.session.Start(ctx))
		if live != nil {
			assert.Equal(t, acquires, h.media.acquires.Load(), "iteration %d: second attempt while one was live", i)
		}
		require.NoError(t, h.session.End())
		assert.Equal(t, StateIdle, h.session.State())
		_, stops := h.mic.counts()
		assert.Equal(t, int(h.media.acquires.Load()), stops, "iteration %d: every acquired mic is stopped", i)
	}
}

func TestSessionAbortReleasesDetachedAttempt(t *testing.T) {
	h := newHarness(t, testConfig())

	for _, cause := range []error{
		shared.ErrSessionEnded,
		shared.NewSessionError(shared.KindSignaling, "unexpected status code: 500", nil),
	} {
		res := h.session.newResources(99)
		res.dispatcher.Start()
		res.mic = h.mic
		_, before := h.mic.counts()

		err := h.session.abort(res, cause)
		assert.ErrorIs(t, err, shared.ErrSessionEnded)
		select {
		case <-res.done:
		default:
			t.Fatal("detached attempt not released")
		}
		assert.Error(t, res.ctx.Err())
		_, stops := h.mic.counts()
		assert.Equal(t, before+1, stops)
		assert.Equal(t, StateIdle, h.session.State())
	}
}

func TestSessionEndStopsAmplitude(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	require.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, visual.SourceMic, h.session.Visual().Snapshot().Source)

	require.NoError(t, h.session.End())
	sn := h.session.Visual().Snapshot()
	assert.Equal(t, visual.SourceNone, sn.Source)
	assert.Equal(t, cfg.Amplitude.Scaler.Output.Min, sn.Scale)
	assert.False(t, sn.Ready)

	time.Sleep(5 * cfg.Amplitude.Interval)
	assert.Equal(t, sn, h.session.Visual().Snapshot())
}

func TestSessionEndFromError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.media.err = errors.New("no device")
	require.Error(t, h.session.Start(context.Background()))
	require.Equal(t, StateError, h.session.State())

	require.NoError(t, h.session.End())
	assert.Equal(t, StateIdle, h.session.State())
}

func TestSessionNegotiationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.signaler.block = true

	err := h.session.Start(context.Background())
	assert.ErrorIs(t, err, shared.KindTimeout)
	assert.Equal(t, StateError, h.session.State())
	_, stops := h.mic.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.peer.closeCount())
}

func TestSessionChannelNeverOpens(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.peer.onAnswer = nil

	err := h.session.Start(context.Background())
	assert.ErrorIs(t, err, shared.KindTimeout)
	assert.Equal(t, StateError, h.session.State())
}

func TestSessionConnectivityFailureDuringNegotiation(t *testing.T) {
	h := newHarness(t, testConfig())
	h.peer.onAnswer = func(p *fakePeer) {
		go p.hooks.OnConnectionState(webrtc.PeerConnectionStateFailed)
	}

	err := h.session.Start(context.Background())
	assert.ErrorIs(t, err, shared.KindNegotiation)
	assert.Equal(t, StateError, h.session.State())
	assert.Equal(t, 1, h.peer.closeCount())
}

func TestSessionConnectivityLostForcesIdle(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.session.Start(context.Background()))

	h.peer.hooks.OnConnectionState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return h.session.State() == StateIdle
	}, time.Second, time.Millisecond)
	<-h.session.Done()

	require.NotNil(t, h.session.ErrorDetail())
	assert.Equal(t, shared.KindNegotiation, h.session.ErrorDetail().Kind)
	assert.Equal(t, 1, h.peer.closeCount())
	assert.False(t, h.session.MicEnabled())
}

func TestSessionRemoteCloseGoesIdle(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.session.Start(context.Background()))

	h.peer.hooks.OnChannelClose()
	require.Eventually(t, func() bool {
		return h.session.State() == StateIdle
	}, time.Second, time.Millisecond)
	<-h.session.Done()
	assert.Nil(t, h.session.ErrorDetail())
	_, stops := h.mic.counts()
	assert.Equal(t, 1, stops)
}

func TestSessionChannelErrorForcesMicOff(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.session.Start(context.Background()))

	h.peer.hooks.OnChannelError(errors.New("sctp abort"))
	require.Eventually(t, func() bool {
		return h.session.State() == StateError
	}, time.Second, time.Millisecond)
	<-h.session.Done()

	assert.Equal(t, shared.KindChannel, h.session.ErrorDetail().Kind)
	assert.False(t, h.session.MicEnabled())
	assert.False(t, h.mic.Enabled())
	assert.Equal(t, 1, h.peer.closeCount())
}

func TestSessionRetryAfterError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.signaler.errs = []error{shared.NewSessionError(shared.KindSignaling, "unexpected status code: 503", nil)}

	require.ErrorIs(t, h.session.Start(context.Background()), shared.KindSignaling)
	require.Equal(t, StateError, h.session.State())

	require.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, StateConnected, h.session.State())
	assert.Nil(t, h.session.ErrorDetail())
	assert.Equal(t, 2, h.peers.count())
}

func TestSessionDispatchesChannelMessages(t *testing.T) {
	h := newHarness(t, testConfig())
	turns := new(turnRecorder)
	h.session.OnTurnAudio(turns.record)
	require.NoError(t, h.session.Start(context.Background()))

	h.peer.hooks.OnMessage([]byte(`{"type":"response.text.delta","delta":"Hel"}`))
	h.peer.hooks.OnMessage([]byte(`{"type":"response.text.delta","delta":"lo"}`))
	h.peer.hooks.OnMessage([]byte(`{"type":"not.a.real.type"}`))
	h.peer.hooks.OnMessage(audioDelta(960))
	h.peer.hooks.OnMessage(audioDelta(960))
	h.peer.hooks.OnMessage(audioDelta(480))
	h.peer.hooks.OnMessage([]byte(`{"type":"response.audio.done","response_id":"resp_1"}`))

	require.Eventually(t, func() bool { return len(turns.all()) == 1 }, time.Second, time.Millisecond)
	assert.Len(t, turns.all()[0].PCM(), 2400)
	assert.Equal(t, []string{"Hello"}, h.session.AssistantText())
	assert.Equal(t, StateConnected, h.session.State())
}

func TestSessionTranscriptFollowsAssistantSpeech(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.session.Start(context.Background()))

	h.peer.hooks.OnMessage([]byte(`{"type":"response.audio_transcript.delta","delta":"Sure, "}`))
	h.peer.hooks.OnMessage([]byte(`{"type":"response.output_audio_transcript.delta","delta":"here it is."}`))
	require.Eventually(t, func() bool {
		return h.session.Transcript() == "Sure, here it is."
	}, time.Second, time.Millisecond)
	assert.Empty(t, h.session.AssistantText())

	// The user talking over the assistant starts a new transcript.
	h.peer.hooks.OnMessage([]byte(`{"type":"input_audio_buffer.speech_started","item_id":"item_2"}`))
	require.Eventually(t, func() bool {
		return h.session.Transcript() == ""
	}, time.Second, time.Millisecond)
}

func TestSessionSendText(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.ErrorIs(t, h.session.SendText("hi"), shared.ErrSessionNotConnected)

	require.NoError(t, h.session.Start(context.Background()))
	require.NoError(t, h.session.SendText("hi"))
	assert.Equal(t, []string{"session.update", "conversation.item.create", "response.create"}, h.peer.sentTypes(t))
}

func TestSessionRemoteAudioReachesSink(t *testing.T) {
	sink := new(sinkRecorder)
	h := newHarness(t, testConfig(), WithAudioSink(sink))
	require.NoError(t, h.session.Start(context.Background()))

	h.peer.hooks.OnRemoteAudio(make([]byte, 3840), AudioFormat{SampleRate: 48000, Channels: 2})
	assert.Equal(t, 3840, sink.total())
}

type sinkRecorder struct {
	mu    sync.Mutex
	bytes int
}

func (r *sinkRecorder) PlayPCM(pcm []byte, sampleRate, channels int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += len(pcm)
	return nil
}

func (r *sinkRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

func TestNewSessionValidates(t *testing.T) {
	_, err := NewSession(nil, testConfig())
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	cfg := testConfig()
	cfg.NegotiationTimeout = 0
	_, err = NewSession(shared.NewNopLogger(), cfg)
	assert.ErrorIs(t, err, shared.ErrInvalidConfig)

	cfg = testConfig()
	cfg.SignalingURL = ""
	_, err = NewSession(shared.NewNopLogger(), cfg, WithMediaSource(&fakeMedia{}))
	assert.ErrorIs(t, err, shared.ErrNoSignalingURL)
}

func TestSessionStateString(t *testing.T) {
	for state, want := range map[SessionState]string{
		StateIdle:           "idle",
		StateAcquiringMedia: "acquiring_media",
		StateNegotiating:    "negotiating",
		StateConnected:      "connected",
		StateClosing:        "closing",
		StateError:          "error",
		SessionState(42):    "unknown",
	} {
		assert.Equal(t, want, state.String())
	}
}
