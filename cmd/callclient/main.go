// Command callclient is a headless softphone: it registers with a relay, places or
// answers one call and logs state and quality-profile changes.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	relay "rillcall/internal/infrastructure/signal"
	webrtcinfra "rillcall/internal/infrastructure/webrtc"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/relaycred"
	"rillcall/pkg/retry"
	"rillcall/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to the YAML config file")
		relayURL   = flag.String("relay", "ws://localhost:8080/ws", "relay websocket URL")
		userID     = flag.String("user", "", "user id to register as")
		token      = flag.String("token", "", "bearer token for the relay")
		callee     = flag.String("call", "", "user to call after joining")
		video      = flag.Bool("video", false, "place a video call")
		autoAnswer = flag.Bool("auto-answer", true, "answer incoming calls")
		hangupIn   = flag.Duration("hangup-after", 0, "hang up a connected call after this long")
		pin        = flag.Bool("pin", false, "pin connected calls to the conservative profile")
		audioOnly  = flag.Bool("audio-only", false, "drop video on connected calls")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *userID == "" {
		log.Fatal("-user is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("Connecting to relay", "url", *relayURL, "token", utils.MaskSecret(*token, 6))
	client, err := relay.Dial(ctx, *relayURL, *token, log)
	if err != nil {
		log.Fatalw("Failed to connect to relay", "url", *relayURL, "error", err)
	}
	defer client.Close()

	engines := webrtcinfra.NewEngineFactory(engineConfig(cfg), credentialCache(cfg, *token), func(p domain.MediaParameters) {
		log.Debugw("Encoder reconfigured",
			"profile", p.Profile,
			"width", p.Width,
			"height", p.Height,
			"fps", p.FPS,
			"video", p.VideoEnabled,
		)
	}, log)

	var (
		coordinator *services.SessionCoordinator
		connectedAt atomic.Int64
	)
	listener := services.SessionListener{
		OnStateChange: func(ev services.SessionEvent) {
			log.Infow("Call state changed",
				"call_id", ev.CallID,
				"peer", ev.PeerID,
				"from", ev.From,
				"to", ev.To,
				"reason", ev.Reason,
			)
			switch {
			case ev.To == domain.CallStateRinging && *autoAnswer:
				go func() {
					if err := coordinator.AcceptIncoming(ctx); err != nil {
						log.Warnw("Failed to answer call", "error", err)
					}
				}()
			case ev.To == domain.CallStateConnected:
				connectedAt.Store(time.Now().UnixNano())
				if *pin || *audioOnly {
					go applyOverrides(ctx, coordinator, *pin, *audioOnly, log)
				}
				if *hangupIn > 0 {
					time.AfterFunc(*hangupIn, func() {
						if err := coordinator.Hangup(ctx); err != nil {
							log.Warnw("Failed to hang up", "error", err)
						}
					})
				}
			case ev.From == domain.CallStateConnected:
				if at := connectedAt.Swap(0); at != 0 {
					log.Infow("Call finished",
						"call_id", ev.CallID,
						"talk_time", utils.FormatDuration(time.Since(time.Unix(0, at))),
					)
				}
			}
		},
		OnConnectionError: func(err error) {
			log.Errorw("Signaling connection lost", "error", err)
			stop()
		},
		OnProfileChange: func(change domain.ProfileChange) {
			log.Infow("Quality profile changed",
				"call_id", change.CallID,
				"from", change.From,
				"to", change.To,
				"profile", change.Parameters.Profile,
				"score", change.Prediction.Score,
			)
		},
	}
	coordinator = services.NewSessionCoordinator(domain.UserID(*userID), client, engines, qualityConfig(cfg), listener, log)

	client.OnUserList(func(users []string) {
		log.Infow("Online users", "users", users)
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, coordinator) }()

	if err := client.Join(ctx, domain.UserID(*userID)); err != nil {
		log.Fatalw("Failed to join", "error", err)
	}
	log.Infow("Registered with relay", "user_id", *userID)

	if *callee != "" {
		online, err := client.CheckUser(ctx, domain.UserID(*callee))
		switch {
		case err != nil:
			log.Warnw("Presence check failed", "callee", *callee, "error", err)
		case !online:
			log.Warnw("Callee is offline", "callee", *callee)
		default:
			if err := coordinator.PlaceCall(ctx, domain.UserID(*callee), *video); err != nil {
				log.Errorw("Failed to place call", "callee", *callee, "error", err)
			}
		}
	}

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			log.Warnw("Relay connection ended", "error", err)
		}
	}

	hangupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if coordinator.State() == domain.CallStateConnected || coordinator.State() == domain.CallStateCalling {
		_ = coordinator.Hangup(hangupCtx)
	}
	log.Info("callclient stopped")
}

// applyOverrides turns on the requested quality overrides for the connected call.
func applyOverrides(ctx context.Context, coordinator *services.SessionCoordinator, pin, audioOnly bool, log *zap.SugaredLogger) {
	if pin {
		if err := coordinator.SetConservativePin(ctx, true); err != nil {
			log.Warnw("Failed to pin conservative profile", "error", err)
		}
	}
	if audioOnly {
		if err := coordinator.SetAudioOnly(ctx, true); err != nil {
			log.Warnw("Failed to switch to audio only", "error", err)
		}
	}
}

func engineConfig(cfg *config.Config) webrtcinfra.EngineConfig {
	var ec webrtcinfra.EngineConfig
	for _, s := range cfg.WebRTC.ICEServers {
		ec.ICEServers = append(ec.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(ec.ICEServers) == 0 {
		ec.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	ec.PortRange.Min = cfg.WebRTC.PortRange.Min
	ec.PortRange.Max = cfg.WebRTC.PortRange.Max
	ec.KeyframeTimeout = cfg.WebRTC.KeyframeTimeout
	return ec
}

// credentialCache is nil when no credential endpoint is configured.
func credentialCache(cfg *config.Config, token string) *relaycred.Cache {
	if cfg.RelayCredentials.FetchURL == "" {
		return nil
	}
	fetchToken := cfg.RelayCredentials.FetchToken
	if fetchToken == "" {
		fetchToken = token
	}
	fetcher := &relaycred.HTTPFetcher{
		URL:    cfg.RelayCredentials.FetchURL,
		Token:  fetchToken,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
	return relaycred.NewCache(fetcher, cfg.RelayCredentials.SafetyBuffer, retry.DefaultConfig())
}

func qualityConfig(cfg *config.Config) services.QualityConfig {
	qc := services.DefaultQualityConfig()
	qc.SampleInterval = cfg.Quality.SampleInterval
	qc.SaveInterval = cfg.Quality.SaveInterval
	qc.Cooldown = cfg.Quality.Cooldown
	qc.Connectivity = domain.ConnectivityClass(cfg.Quality.Connectivity)
	return qc
}
