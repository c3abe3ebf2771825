package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
)

// BuildProviders instantiates every configured provider through reg. Stages
// with fallbacks are wrapped in a resilience fallback group; each entry of a
// group gets its own breaker built from providers.breaker. Call control is
// only created when telephony.provider is set.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	pc := cfg.Providers
	var errs []error
	p := &Providers{
		Names: pipeline.ProviderNames{
			STT: pc.STT.Name,
			LLM: pc.LLM.Name,
			TTS: pc.TTS.Name,
		},
	}

	fb := resilience.FallbackConfig{CircuitBreaker: pc.Breaker.CircuitBreaker("")}
	fb.CircuitBreaker.OnStateChange = func(name string, from, to resilience.State) {
		observe.DefaultMetrics().RecordBreakerTransition(context.Background(), name, from.String(), to.String())
	}

	// LLM
	if primary, err := reg.CreateLLM(pc.LLM); err != nil {
		errs = append(errs, fmt.Errorf("llm: %w", err))
	} else if len(pc.LLMFallbacks) == 0 {
		p.LLM = primary
	} else {
		group := resilience.NewLLMFallback(primary, pc.LLM.Name, fb)
		for _, e := range pc.LLMFallbacks {
			alt, err := reg.CreateLLM(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("llm fallback %s: %w", e.Name, err))
				continue
			}
			group.AddFallback(e.Name, alt)
		}
		p.LLM = group
	}

	// STT
	if primary, err := reg.CreateSTT(pc.STT); err != nil {
		errs = append(errs, fmt.Errorf("stt: %w", err))
	} else if len(pc.STTFallbacks) == 0 {
		p.STT = primary
	} else {
		group := resilience.NewSTTFallback(primary, pc.STT.Name, fb)
		for _, e := range pc.STTFallbacks {
			alt, err := reg.CreateSTT(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("stt fallback %s: %w", e.Name, err))
				continue
			}
			group.AddFallback(e.Name, alt)
		}
		p.STT = group
	}

	// TTS
	if primary, err := reg.CreateTTS(pc.TTS); err != nil {
		errs = append(errs, fmt.Errorf("tts: %w", err))
	} else if len(pc.TTSFallbacks) == 0 {
		p.TTS = primary
	} else {
		group := resilience.NewTTSFallback(primary, pc.TTS.Name, fb)
		for _, e := range pc.TTSFallbacks {
			alt, err := reg.CreateTTS(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("tts fallback %s: %w", e.Name, err))
				continue
			}
			group.AddFallback(e.Name, alt)
		}
		p.TTS = group
	}

	// VAD
	if engine, err := reg.CreateVAD(pc.VAD); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	} else {
		p.VAD = engine
	}

	// Call control
	if cfg.Telephony.Provider != "" {
		calls, err := reg.CreateTelephony(cfg.Telephony, cfg.Server.PublicURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("telephony: %w", err))
		} else {
			p.Calls = calls
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: build providers: %w", err)
	}
	return p, nil
}

// Compile-time checks that the fallback groups can stand in for providers.
var (
	_ llm.Provider = (*resilience.LLMFallback)(nil)
	_ stt.Provider = (*resilience.STTFallback)(nil)
	_ tts.Provider = (*resilience.TTSFallback)(nil)
)
