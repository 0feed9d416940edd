package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

const (
	// DefaultProfileCooldown is the minimum time between two applied transitions.
	DefaultProfileCooldown = 3 * time.Second

	// AudioOnlyPriority is the highest rung priority the audio-only override may use.
	AudioOnlyPriority = 1
)

// DefaultLadder returns the built-in six-rung ladder, most conservative first.
func DefaultLadder() []domain.QualityProfile {
	return []domain.QualityProfile{
		{Name: "audio", Priority: 0, MaxAudioBitrateBps: 24_000},
		{Name: "120p", Priority: 1, VideoWidth: 160, VideoHeight: 120, FPS: 10, MaxVideoBitrateBps: 100_000, MaxAudioBitrateBps: 32_000, VideoEnabled: true},
		{Name: "240p", Priority: 2, VideoWidth: 320, VideoHeight: 240, FPS: 15, MaxVideoBitrateBps: 250_000, MaxAudioBitrateBps: 32_000, VideoEnabled: true},
		{Name: "360p", Priority: 3, VideoWidth: 640, VideoHeight: 360, FPS: 24, MaxVideoBitrateBps: 600_000, MaxAudioBitrateBps: 48_000, VideoEnabled: true},
		{Name: "540p", Priority: 4, VideoWidth: 960, VideoHeight: 540, FPS: 30, MaxVideoBitrateBps: 1_200_000, MaxAudioBitrateBps: 48_000, VideoEnabled: true},
		{Name: "720p", Priority: 5, VideoWidth: 1280, VideoHeight: 720, FPS: 30, MaxVideoBitrateBps: 2_500_000, MaxAudioBitrateBps: 64_000, VideoEnabled: true},
	}
}

var initialRungs = map[domain.ConnectivityClass]int{
	domain.ConnectivityNone: 0,
	domain.Connectivity2G:   0,
	domain.Connectivity3G:   2,
	domain.Connectivity4G:   3,
	domain.Connectivity5G:   4,
	domain.ConnectivityLAN:  5,
}

// ValidateLadder sorts a copy of the ladder by priority and rejects duplicates.
func ValidateLadder(ladder []domain.QualityProfile) ([]domain.QualityProfile, error) {
	if len(ladder) == 0 {
		return nil, fmt.Errorf("ladder must have at least one rung")
	}
	sorted := make([]domain.QualityProfile, len(ladder))
	copy(sorted, ladder)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Priority == sorted[i-1].Priority {
			return nil, fmt.Errorf("duplicate ladder priority %d", sorted[i].Priority)
		}
	}
	return sorted, nil
}

// ProfileController walks the ladder one rung at a time and pushes the result to the media engine.
type ProfileController struct {
	mu             sync.Mutex
	ladder         []domain.QualityProfile
	current        int
	cooldown       time.Duration
	lastTransition time.Time
	pinned         bool
	audioOnly      bool

	sink   ports.ProfileSink
	logger *zap.SugaredLogger
}

// NewProfileController starts at the rung for the given connectivity class. The ladder must
// already be validated.
func NewProfileController(
	ladder []domain.QualityProfile,
	class domain.ConnectivityClass,
	cooldown time.Duration,
	sink ports.ProfileSink,
	logger *zap.SugaredLogger,
) *ProfileController {
	if cooldown <= 0 {
		cooldown = DefaultProfileCooldown
	}
	pc := &ProfileController{
		ladder:   ladder,
		cooldown: cooldown,
		sink:     sink,
		logger:   logger,
	}
	pc.current = pc.clampRung(InitialRung(class))
	return pc
}

// InitialRung is the starting rung for a connectivity class before any samples exist.
func InitialRung(class domain.ConnectivityClass) int {
	if rung, ok := initialRungs[class]; ok {
		return rung
	}
	return initialRungs[domain.Connectivity3G]
}

// Top returns the index of the richest rung.
func (pc *ProfileController) Top() int {
	return len(pc.ladder) - 1
}

// Current returns the active rung index.
func (pc *ProfileController) Current() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.current
}

// Parameters returns what the engine should currently run with.
func (pc *ProfileController) Parameters() domain.MediaParameters {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.parametersLocked()
}

// Start emits the initial rung to the engine.
func (pc *ProfileController) Start(ctx context.Context) domain.MediaParameters {
	params := pc.Parameters()
	pc.emit(ctx, params)
	return params
}

// ApplyAction moves at most one rung in the direction of action. It returns false when the
// move was suppressed by cooldown, an override, a ladder end or a MAINTAIN action.
// suggestedRung only confirms direction; the controller never skips rungs.
func (pc *ProfileController) ApplyAction(ctx context.Context, action domain.Action, suggestedRung int, now time.Time) (domain.MediaParameters, bool) {
	pc.mu.Lock()
	if pc.pinned || pc.audioOnly {
		params := pc.parametersLocked()
		pc.mu.Unlock()
		return params, false
	}

	target := pc.current
	switch action {
	case domain.ActionUpgrade:
		if suggestedRung > pc.current {
			target = pc.current + 1
		}
	case domain.ActionDowngrade:
		if suggestedRung < pc.current {
			target = pc.current - 1
		}
	}
	target = pc.clampRung(target)

	if target == pc.current {
		params := pc.parametersLocked()
		pc.mu.Unlock()
		return params, false
	}
	if !pc.lastTransition.IsZero() && now.Sub(pc.lastTransition) < pc.cooldown {
		params := pc.parametersLocked()
		pc.mu.Unlock()
		pc.logger.Debugw("profile transition suppressed by cooldown",
			"action", action,
			"rung", pc.current,
			"since_last", now.Sub(pc.lastTransition),
		)
		return params, false
	}

	from := pc.current
	pc.current = target
	pc.lastTransition = now
	params := pc.parametersLocked()
	pc.mu.Unlock()

	pc.logger.Infow("profile transition",
		"action", action,
		"from", from,
		"to", target,
		"profile", params.Profile,
	)
	pc.emit(ctx, params)
	return params, true
}

// SetConservativePin forces and locks the bottom rung while enabled.
func (pc *ProfileController) SetConservativePin(ctx context.Context, enabled bool) domain.MediaParameters {
	pc.mu.Lock()
	pc.pinned = enabled
	if enabled {
		pc.current = 0
	}
	params := pc.parametersLocked()
	pc.mu.Unlock()

	pc.logger.Infow("conservative pin changed", "enabled", enabled, "rung", params.Rung)
	pc.emit(ctx, params)
	return params
}

// SetAudioOnly forces the highest rung at or below AudioOnlyPriority with video disabled.
// Disabling it resumes the ladder from that rung.
func (pc *ProfileController) SetAudioOnly(ctx context.Context, enabled bool) domain.MediaParameters {
	pc.mu.Lock()
	pc.audioOnly = enabled
	if enabled && !pc.pinned {
		pc.current = pc.audioOnlyRung()
	}
	params := pc.parametersLocked()
	pc.mu.Unlock()

	pc.logger.Infow("audio-only changed", "enabled", enabled, "rung", params.Rung)
	pc.emit(ctx, params)
	return params
}

func (pc *ProfileController) audioOnlyRung() int {
	rung := 0
	for i, p := range pc.ladder {
		if p.Priority <= AudioOnlyPriority {
			rung = i
		}
	}
	return rung
}

func (pc *ProfileController) parametersLocked() domain.MediaParameters {
	params := pc.ladder[pc.current].Parameters(pc.current)
	if pc.audioOnly {
		params.VideoEnabled = false
		params.MaxVideoBitrateBps = 0
	}
	return params
}

func (pc *ProfileController) clampRung(rung int) int {
	if rung < 0 {
		return 0
	}
	if top := len(pc.ladder) - 1; rung > top {
		return top
	}
	return rung
}

func (pc *ProfileController) emit(ctx context.Context, params domain.MediaParameters) {
	if pc.sink == nil {
		return
	}
	if err := pc.sink.ApplyProfile(ctx, params); err != nil {
		pc.logger.Warnw("media engine rejected profile",
			"rung", params.Rung,
			"profile", params.Profile,
			"error", err,
		)
	}
}
