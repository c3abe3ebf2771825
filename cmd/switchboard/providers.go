package main

import (
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/llm/anyllm"
	"github.com/MrWong99/switchboard/pkg/provider/llm/openai"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/stt/deepgram"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/provider/vad/energy"
	"github.com/MrWong99/switchboard/pkg/telephony"
	twiliocall "github.com/MrWong99/switchboard/pkg/telephony/twilio"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages. sampleRate is the PCM rate
// exchanged with the STT provider.
func registerBuiltinProviders(reg *config.Registry, sampleRate int) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai talks to the Chat Completions API directly; BaseURL points it at
	// any compatible server.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n := optFloat(entry.Options, "max_retries"); n > 0 {
			opts = append(opts, openai.WithMaxRetries(int(n)))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm. Local servers such as ollama
	// take BaseURL and no key.
	for _, name := range anyllm.Backends() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithSampleRate(sampleRate)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "endpointing"); d > 0 {
			opts = append(opts, deepgram.WithEndpointing(d))
		}
		if on, ok := entry.Options["smart_format"].(bool); ok {
			opts = append(opts, deepgram.WithSmartFormat(on))
		}
		if d := optDuration(entry.Options, "keep_alive"); d > 0 {
			opts = append(opts, deepgram.WithKeepAlive(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if st, sim := optFloat(entry.Options, "stability"), optFloat(entry.Options, "similarity_boost"); st > 0 || sim > 0 {
			opts = append(opts, elevenlabs.WithVoiceSettings(st, sim))
		}
		if ws, api := optString(entry.Options, "ws_base_url"), entry.BaseURL; ws != "" && api != "" {
			opts = append(opts, elevenlabs.WithBaseURLs(ws, api))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if rms := optFloat(entry.Options, "reference_rms"); rms > 0 {
			opts = append(opts, energy.WithReferenceRMS(rms))
		}
		return energy.New(opts...), nil
	})

	// ── Telephony ─────────────────────────────────────────────────────────────

	reg.RegisterTelephony("twilio", func(cfg config.TelephonyConfig, publicURL string) (telephony.CallControl, error) {
		return twiliocall.New(twiliocall.Config{
			AccountSID:        cfg.AccountSID,
			AuthToken:         cfg.AuthToken,
			FromNumber:        cfg.FromNumber,
			WebhookURL:        publicURL + "/twiml",
			StatusCallbackURL: cfg.StatusCallbackURL,
		})
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from Options. YAML decodes integers as int, so
// both are accepted.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// optDuration parses a duration string such as "30s" from Options.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
