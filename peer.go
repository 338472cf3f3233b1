package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bt-bridge/realtime-voice/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// dataChannelLabel is the label the realtime endpoint expects for events.
const dataChannelLabel = "oai"

// PeerHooks receive peer connection and data channel callbacks. They run on
// goroutines owned by the peer and may be nil.
type PeerHooks struct {
	OnChannelOpen     func()
	OnChannelClose    func()
	OnChannelError    func(err error)
	OnMessage         func(data []byte)
	OnConnectionState func(state webrtc.PeerConnectionState)
	// OnRemoteAudio gets decoded PCM16 from the remote audio track.
	OnRemoteAudio func(pcm []byte, format AudioFormat)
}

// Peer is one negotiated connection with its event data channel and outgoing
// microphone track.
type Peer interface {
	// CreateOffer returns the local description once ICE gathering is complete.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	Send(data []byte) error
	Close() error
}

// PeerFactory builds a peer streaming mic. ctx bounds every goroutine the peer
// starts and ends when the session releases it.
type PeerFactory func(ctx context.Context, logger shared.LoggerAdapter, mic Microphone, hooks PeerHooks) (Peer, error)

// NewPionPeerFactory returns a PeerFactory backed by pion/webrtc.
func NewPionPeerFactory(cfg PeerConfig) PeerFactory {
	return func(ctx context.Context, logger shared.LoggerAdapter, mic Microphone, hooks PeerHooks) (Peer, error) {
		p, err := newPionPeer(ctx, logger, cfg, mic, hooks)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

type pionPeer struct {
	logger shared.LoggerAdapter
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	closeOnce sync.Once
	closeErr  error
}

func newPionPeer(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg PeerConfig,
	mic Microphone,
	hooks PeerHooks,
) (_ *pionPeer, err error) {
	m, err := newMediaEngine()
	if err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	conf := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	p := &pionPeer{
		logger: logger.With(zap.String("component", "peer")),
		pc:     pc,
	}
	defer func() {
		if err != nil {
			_ = pc.Close()
		}
	}()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Trace("peer connection state changed", zap.String("new", state.String()))
		if hooks.OnConnectionState != nil {
			hooks.OnConnectionState(state)
		}
	})

	// Outgoing microphone track
	local, err := webrtc.NewTrackLocalStaticSample(OpusCapability, "audio", "mic")
	if err != nil {
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	sender, err := pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	go drainRTCP(sender)

	// Incoming assistant audio
	frameMs := cfg.RemoteFrameMs
	if frameMs <= 0 {
		frameMs = 120
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		codec := track.Codec()
		format := AudioFormat{SampleRate: int(codec.ClockRate), Channels: max(int(codec.Channels), 1)}
		p.logger.Info(
			"received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", codec.MimeType),
		)
		go tools.PlayRemoteAudio(ctx, p.logger, track, frameMs, func(pcm []byte) {
			if hooks.OnRemoteAudio != nil {
				hooks.OnRemoteAudio(pcm, format)
			}
		})
	})

	// Event channel
	p.dc, err = pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	p.dc.OnOpen(func() {
		p.logger.Info("data channel opened")
		if hooks.OnChannelOpen != nil {
			hooks.OnChannelOpen()
		}
	})
	p.dc.OnClose(func() {
		p.logger.Info("data channel closed")
		if hooks.OnChannelClose != nil {
			hooks.OnChannelClose()
		}
	})
	p.dc.OnError(func(err error) {
		p.logger.Error("data channel error", err)
		if hooks.OnChannelError != nil {
			hooks.OnChannelError(err)
		}
	})
	p.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			p.logger.Warn("received non-string message on data channel")
			return
		}
		if hooks.OnMessage != nil {
			hooks.OnMessage(msg.Data)
		}
	})

	if mic != nil {
		go mic.Stream(ctx, local)
	}
	return p, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("gathering ICE candidates: %w", ctx.Err())
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("local description missing after ICE gathering")
	}
	return local.SDP, nil
}

func (p *pionPeer) SetAnswer(sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) Send(data []byte) error {
	if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return shared.ErrChannelNotOpen
	}
	return p.dc.SendText(string(data))
}

// Close closes the data channel and the connection, which stops every track.
func (p *pionPeer) Close() error {
	p.closeOnce.Do(func() {
		if err := p.dc.Close(); err != nil {
			p.logger.Debug("closing data channel", zap.Error(err))
		}
		if err := p.pc.Close(); err != nil {
			p.closeErr = fmt.Errorf("closing peer connection: %w", err)
		}
	})
	return p.closeErr
}
