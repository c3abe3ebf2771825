package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/switchboard/internal/agent"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// DefaultListenAddr is used when server.listen_addr is empty.
const DefaultListenAddr = ":8765"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":       {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":       {"deepgram"},
	"tts":       {"elevenlabs"},
	"vad":       {"energy"},
	"telephony": {"twilio"},
}

// envRef matches ${VAR} references. Bare $VAR is left alone so secrets that
// contain a dollar sign survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} with the value of the environment variable VAR.
// Unset variables expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ApplyDefaults fills zero values that have a documented default. Pipeline
// timing defaults are owned by the pipeline package and applied there.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.SampleRate == 0 {
		cfg.Pipeline.SampleRate = 16000
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_calls %d must not be negative", cfg.Server.MaxCalls))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if u := cfg.Server.PublicURL; u != "" && !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
		errs = append(errs, fmt.Errorf("server.public_url %q must start with http:// or https://", u))
	}

	// Telephony
	tel := cfg.Telephony
	validateProviderName("telephony", tel.Provider)
	if tel.Provider != "" {
		if tel.AccountSID == "" {
			errs = append(errs, errors.New("telephony.account_sid is required"))
		}
		if tel.AuthToken == "" {
			errs = append(errs, errors.New("telephony.auth_token is required"))
		}
		if tel.FromNumber == "" {
			errs = append(errs, errors.New("telephony.from_number is required"))
		}
		if cfg.Server.PublicURL == "" {
			errs = append(errs, fmt.Errorf("server.public_url is required when telephony.provider is %q", tel.Provider))
		}
	}
	if tel.ValidateSignatures && tel.AuthToken == "" {
		errs = append(errs, errors.New("telephony.validate_signatures requires telephony.auth_token"))
	}

	// Providers: every stage is mandatory.
	for _, p := range []struct {
		kind  string
		entry ProviderEntry
		fb    []ProviderEntry
	}{
		{"llm", cfg.Providers.LLM, cfg.Providers.LLMFallbacks},
		{"stt", cfg.Providers.STT, cfg.Providers.STTFallbacks},
		{"tts", cfg.Providers.TTS, cfg.Providers.TTSFallbacks},
		{"vad", cfg.Providers.VAD, nil},
	} {
		if p.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
		}
		validateProviderName(p.kind, p.entry.Name)
		for i, fb := range p.fb {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", p.kind, i))
			}
			validateProviderName(p.kind, fb.Name)
		}
	}
	if b := cfg.Providers.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}

	// Pipeline
	if err := cfg.Pipeline.Controller().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if cfg.Pipeline.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d must be at least 8000", cfg.Pipeline.SampleRate))
	}

	// Agents
	if cfg.Agents.Default == "" {
		errs = append(errs, errors.New("agents.default is required"))
	}
	if err := agent.ValidateAll(cfg.Agents.Inline); err != nil {
		errs = append(errs, fmt.Errorf("agents.inline: %w", err))
	}
	if cfg.Agents.Default != "" && cfg.Agents.File == "" && cfg.Database.PostgresDSN == "" {
		if !slices.ContainsFunc(cfg.Agents.Inline, func(a agent.Agent) bool { return a.ID == cfg.Agents.Default }) {
			errs = append(errs, fmt.Errorf("agents.default %q is not declared in agents.inline", cfg.Agents.Default))
		}
	}

	if cfg.Database.PostgresDSN == "" && cfg.Agents.File == "" && len(cfg.Agents.Inline) == 0 {
		slog.Warn("no agent source configured; every call will fail persona lookup")
	}

	return errors.Join(errs...)
}

// Controller converts the YAML pipeline block into controller settings with
// the controller defaults filled in.
func (p PipelineConfig) Controller() pipeline.Config {
	c := pipeline.Config{
		SilenceDuration:  p.SilenceDuration,
		BargeInMinSpeech: p.BargeInMinSpeech,
		MaxUtterance:     p.MaxUtterance,
		STTTimeout:       p.STTTimeout,
		LLMTimeout:       p.LLMTimeout,
		TTSTimeout:       p.TTSTimeout,
		QueueSize:        p.QueueSize,
		CancelGrace:      p.CancelGrace,
		MaxRetries:       p.MaxRetries,
		MaxFailedTurns:   p.MaxFailedTurns,
		STTSampleRate:    p.SampleRate,
		Language:         p.Language,
		VAD: vad.Config{
			SpeechThreshold:  p.VAD.SpeechThreshold,
			SilenceThreshold: p.VAD.SilenceThreshold,
			Window:           p.VAD.Window,
		},
	}
	return c.WithDefaults()
}

// CircuitBreaker converts the YAML breaker block for a named stage.
func (b BreakerConfig) CircuitBreaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
