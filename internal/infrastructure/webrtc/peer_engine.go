package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/relaycred"
)

// EngineConfig configures every peer connection the factory builds.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// KeyframeTimeout is how long inbound video may go without a keyframe before a PLI is sent.
	KeyframeTimeout time.Duration
}

// EncoderHook receives every applied profile. The external encoder plugs in here.
type EncoderHook func(domain.MediaParameters)

// EngineFactory builds pion-backed media engines. It implements ports.MediaEngineFactory.
type EngineFactory struct {
	config  EngineConfig
	creds   *relaycred.Cache
	encoder EncoderHook
	logger  *zap.SugaredLogger
}

// NewEngineFactory creates a factory. creds may be nil when no relay is configured.
func NewEngineFactory(config EngineConfig, creds *relaycred.Cache, encoder EncoderHook, logger *zap.SugaredLogger) *EngineFactory {
	if config.KeyframeTimeout <= 0 {
		config.KeyframeTimeout = 3 * time.Second
	}
	return &EngineFactory{config: config, creds: creds, encoder: encoder, logger: logger}
}

var _ ports.MediaEngineFactory = (*EngineFactory)(nil)

func (f *EngineFactory) NewEngine(ctx context.Context, isVideo bool) (ports.MediaEngine, error) {
	servers := append([]webrtc.ICEServer(nil), f.config.ICEServers...)
	if f.creds != nil {
		creds, err := f.creds.Get(ctx)
		if err != nil {
			f.logger.Warnw("Relay credentials unavailable, continuing without relay", "error", err)
		} else {
			servers = append(servers, webrtc.ICEServer{
				URLs:           creds.URIs,
				Username:       creds.Username,
				Credential:     creds.Password,
				CredentialType: webrtc.ICECredentialTypePassword,
			})
		}
	}

	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, apperrors.NewTransportError("create peer connection", err)
	}

	e, err := newPeerEngine(pc, isVideo, f.config.KeyframeTimeout, f.encoder, f.logger)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return e, nil
}

// PeerEngine wraps one pion PeerConnection. The encoder writes RTP through WriteAudio and
// WriteVideo so outbound counters stay exact; inbound counters come from the track readers.
type PeerEngine struct {
	pc      *webrtc.PeerConnection
	audio   *webrtc.TrackLocalStaticRTP
	video   *webrtc.TrackLocalStaticRTP
	vSender *webrtc.RTPSender

	stats           *linkStats
	keyframeTimeout time.Duration
	encoder         EncoderHook
	logger          *zap.SugaredLogger

	mu           sync.Mutex
	params       domain.MediaParameters
	videoEnabled bool
	onCandidate  func(webrtc.ICECandidateInit)
}

func newPeerEngine(pc *webrtc.PeerConnection, isVideo bool, keyframeTimeout time.Duration, encoder EncoderHook, logger *zap.SugaredLogger) (*PeerEngine, error) {
	e := &PeerEngine{
		pc:              pc,
		stats:           newLinkStats(),
		keyframeTimeout: keyframeTimeout,
		encoder:         encoder,
		logger:          logger,
		videoEnabled:    isVideo,
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "rillcall")
	if err != nil {
		return nil, err
	}
	aSender, err := pc.AddTrack(audio)
	if err != nil {
		return nil, err
	}
	e.audio = audio
	e.watchSender(aSender, 48000)

	if isVideo {
		video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "rillcall")
		if err != nil {
			return nil, err
		}
		vSender, err := pc.AddTrack(video)
		if err != nil {
			return nil, err
		}
		e.video = video
		e.vSender = vSender
		e.watchSender(vSender, 90000)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})
	pc.OnTrack(e.handleRemoteTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Infow("Peer connection state changed", "state", state.String())
	})
	return e, nil
}

// watchSender reads the remote's receiver reports about one of our streams.
func (e *PeerEngine) watchSender(sender *webrtc.RTPSender, clockRate uint32) {
	for _, enc := range sender.GetParameters().Encodings {
		e.stats.registerOutbound(uint32(enc.SSRC), clockRate)
	}
	go func() {
		for {
			packets, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			e.stats.applyRTCP(packets)
		}
	}()
}

func (e *PeerEngine) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	e.logger.Infow("Remote track started", "kind", track.Kind().String(), "codec", track.Codec().MimeType)

	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	isVideo := track.Kind() == webrtc.RTPCodecTypeVideo
	watcher := newKeyframeWatcher(e.keyframeTimeout)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		e.stats.received(pkt)
		if isVideo && watcher.observe(pkt, time.Now()) {
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
			if err := e.pc.WriteRTCP(pli); err != nil {
				e.logger.Debugw("PLI send failed", "error", err)
			}
		}
	}
}

func (e *PeerEngine) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, apperrors.NewTransportError("create offer", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, apperrors.NewTransportError("set local offer", err)
	}
	return offer, nil
}

func (e *PeerEngine) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, apperrors.NewTransportError("create answer", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, apperrors.NewTransportError("set local answer", err)
	}
	return answer, nil
}

func (e *PeerEngine) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return apperrors.NewTransportError("set remote description", err)
	}
	return nil
}

func (e *PeerEngine) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	if err := e.pc.AddICECandidate(candidate); err != nil {
		return apperrors.NewTransportError("add ice candidate", err)
	}
	return nil
}

func (e *PeerEngine) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

// ApplyProfile hands the parameters to the encoder and detaches the video track when the
// profile disables video.
func (e *PeerEngine) ApplyProfile(ctx context.Context, params domain.MediaParameters) error {
	e.mu.Lock()
	wasEnabled := e.videoEnabled
	e.params = params
	e.videoEnabled = params.VideoEnabled && e.video != nil
	enabled := e.videoEnabled
	e.mu.Unlock()

	if e.vSender != nil && wasEnabled != enabled {
		var track webrtc.TrackLocal
		if enabled {
			track = e.video
		}
		if err := e.vSender.ReplaceTrack(track); err != nil {
			return apperrors.NewTransportError("toggle video track", err)
		}
	}
	if e.encoder != nil {
		e.encoder(params)
	}
	return nil
}

// Parameters is the last applied profile.
func (e *PeerEngine) Parameters() domain.MediaParameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

func (e *PeerEngine) WriteAudio(pkt *rtp.Packet) error {
	if err := e.audio.WriteRTP(pkt); err != nil {
		return err
	}
	e.stats.sent(pkt)
	return nil
}

// WriteVideo drops packets while the active profile has video disabled.
func (e *PeerEngine) WriteVideo(pkt *rtp.Packet) error {
	e.mu.Lock()
	enabled := e.videoEnabled
	e.mu.Unlock()
	if !enabled {
		return nil
	}
	if err := e.video.WriteRTP(pkt); err != nil {
		return err
	}
	e.stats.sent(pkt)
	return nil
}

// Counters combines local packet counts, remote receiver reports and the nominated ICE pair RTT.
func (e *PeerEngine) Counters(ctx context.Context) (domain.MediaCounters, error) {
	counters := e.stats.snapshot()
	for _, s := range e.pc.GetStats() {
		if pair, ok := s.(webrtc.ICECandidatePairStats); ok && pair.Nominated {
			counters.RTTMs = pair.CurrentRoundTripTime * 1000
		}
	}
	counters.Timestamp = time.Now()
	return counters, nil
}

func (e *PeerEngine) Close() error {
	return e.pc.Close()
}
