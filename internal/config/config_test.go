package config_test

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	llmmock "github.com/MrWong99/switchboard/pkg/provider/llm/mock"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	sttmock "github.com/MrWong99/switchboard/pkg/provider/stt/mock"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	ttsmock "github.com/MrWong99/switchboard/pkg/provider/tts/mock"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
	vadmock "github.com/MrWong99/switchboard/pkg/provider/vad/mock"
	"github.com/MrWong99/switchboard/pkg/telephony"
	telmock "github.com/MrWong99/switchboard/pkg/telephony/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  public_url: https://calls.example.com/
  log_level: info
  max_calls: 50

telephony:
  provider: twilio
  account_sid: AC123
  auth_token: ${SWITCHBOARD_TEST_TOKEN}
  from_number: "+15550001111"
  validate_signatures: true

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  llm_fallbacks:
    - name: anthropic
      model: claude-3-5-haiku-latest
  stt:
    name: deepgram
    api_key: dg-test
  tts:
    name: elevenlabs
    api_key: el-test
  breaker:
    max_failures: 4
    reset_timeout: 10s

pipeline:
  silence_duration: 500ms
  barge_in_min_speech: 150ms
  max_retries: -1
  language: en-US
  vad:
    speech_threshold: 0.2

agents:
  default: reception
  inline:
    - id: reception
      name: Ava
      prompt: You answer calls for Acme Dental.
      greeting: Thanks for calling Acme Dental.
      voice:
        voice_id: 21m00Tcm4TlvDq8ikWAM
`

// minimalYAML is the smallest config that validates.
const minimalYAML = `
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
agents:
  default: a
  inline:
    - {id: a, name: A, prompt: p}
`

func validConfig() *config.Config {
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		panic(err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Setenv("SWITCHBOARD_TEST_TOKEN", "tok$en")

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if cfg.Server.PublicURL != "https://calls.example.com" {
		t.Errorf("server.public_url: got %q, want trailing slash trimmed", cfg.Server.PublicURL)
	}
	if cfg.Telephony.AuthToken != "tok$en" {
		t.Errorf("telephony.auth_token: got %q, want env value", cfg.Telephony.AuthToken)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "anthropic" {
		t.Errorf("providers.llm_fallbacks: got %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Providers.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("providers.breaker.reset_timeout: got %v", cfg.Providers.Breaker.ResetTimeout)
	}
	if cfg.Providers.VAD.Name != "energy" {
		t.Errorf("providers.vad.name: got %q, want default energy", cfg.Providers.VAD.Name)
	}
	if cfg.Pipeline.SilenceDuration != 500*time.Millisecond {
		t.Errorf("pipeline.silence_duration: got %v", cfg.Pipeline.SilenceDuration)
	}
	if len(cfg.Agents.Inline) != 1 || cfg.Agents.Inline[0].Greeting == "" {
		t.Errorf("agents.inline: got %+v", cfg.Agents.Inline)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if cfg.Server.ListenAddr != ":8765" {
		t.Errorf("listen_addr default: got %q, want :8765", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level default: got %q", cfg.Server.LogLevel)
	}
	if cfg.Pipeline.MaxRetries != 3 {
		t.Errorf("max_retries default: got %d, want 3", cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.SampleRate != 16000 {
		t.Errorf("sample_rate default: got %d, want 16000", cfg.Pipeline.SampleRate)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nqueues: []\n"))
	if err == nil || !strings.Contains(err.Error(), "queues") {
		t.Errorf("expected unknown field error, got %v", err)
	}
}

func TestPipelineConfig_Controller(t *testing.T) {
	t.Parallel()
	pc := config.PipelineConfig{SilenceDuration: 400 * time.Millisecond, MaxRetries: -1, SampleRate: 24000}
	c := pc.Controller()
	if c.SilenceDuration != 400*time.Millisecond {
		t.Errorf("SilenceDuration: got %v", c.SilenceDuration)
	}
	if c.MaxRetries != -1 {
		t.Errorf("MaxRetries: got %d, want -1", c.MaxRetries)
	}
	if c.STTSampleRate != 24000 {
		t.Errorf("STTSampleRate: got %d", c.STTSampleRate)
	}
	if c.STTTimeout != 10*time.Second || c.QueueSize != 64 {
		t.Errorf("defaults not applied: %+v", c)
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "negative max calls",
			mutate:  func(c *config.Config) { c.Server.MaxCalls = -1 },
			wantErr: "server.max_calls",
		},
		{
			name:    "public url scheme",
			mutate:  func(c *config.Config) { c.Server.PublicURL = "calls.example.com" },
			wantErr: "server.public_url",
		},
		{
			name:    "half tls",
			mutate:  func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} },
			wantErr: "server.tls",
		},
		{
			name: "twilio without credentials",
			mutate: func(c *config.Config) {
				c.Telephony.Provider = "twilio"
				c.Server.PublicURL = "https://x.example.com"
			},
			wantErr: "telephony.account_sid",
		},
		{
			name: "twilio without public url",
			mutate: func(c *config.Config) {
				c.Telephony = config.TelephonyConfig{Provider: "twilio", AccountSID: "AC", AuthToken: "t", FromNumber: "+1"}
			},
			wantErr: "server.public_url is required",
		},
		{
			name:    "signatures without token",
			mutate:  func(c *config.Config) { c.Telephony.ValidateSignatures = true },
			wantErr: "validate_signatures",
		},
		{
			name:    "missing llm",
			mutate:  func(c *config.Config) { c.Providers.LLM.Name = "" },
			wantErr: "providers.llm.name",
		},
		{
			name:    "unnamed fallback",
			mutate:  func(c *config.Config) { c.Providers.TTSFallbacks = []config.ProviderEntry{{}} },
			wantErr: "providers.tts_fallbacks[0]",
		},
		{
			name:    "negative breaker",
			mutate:  func(c *config.Config) { c.Providers.Breaker.MaxFailures = -2 },
			wantErr: "providers.breaker",
		},
		{
			name: "utterance shorter than silence",
			mutate: func(c *config.Config) {
				c.Pipeline.SilenceDuration = 2 * time.Second
				c.Pipeline.MaxUtterance = time.Second
			},
			wantErr: "max utterance",
		},
		{
			name:    "low sample rate",
			mutate:  func(c *config.Config) { c.Pipeline.SampleRate = 4000 },
			wantErr: "pipeline.sample_rate",
		},
		{
			name:    "missing default agent",
			mutate:  func(c *config.Config) { c.Agents.Default = "" },
			wantErr: "agents.default is required",
		},
		{
			name:    "default agent not declared",
			mutate:  func(c *config.Config) { c.Agents.Default = "ghost" },
			wantErr: `agents.default "ghost"`,
		},
		{
			name: "default agent may live in the database",
			mutate: func(c *config.Config) {
				c.Agents.Default = "ghost"
				c.Database.PostgresDSN = "postgres://localhost/sb"
			},
		},
		{
			name:    "invalid inline agent",
			mutate:  func(c *config.Config) { c.Agents.Inline[0].Prompt = "" },
			wantErr: "agents.inline",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{LogLevel: "loud"}}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"log_level", "providers.llm.name", "providers.stt.name", "providers.tts.name", "agents.default"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "stt", "tts", "vad", "telephony"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known provider names for %q", kind)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nonexistent"}

	checks := map[string]error{}
	_, checks["llm"] = reg.CreateLLM(entry)
	_, checks["stt"] = reg.CreateSTT(entry)
	_, checks["tts"] = reg.CreateTTS(entry)
	_, checks["vad"] = reg.CreateVAD(entry)
	_, checks["telephony"] = reg.CreateTelephony(config.TelephonyConfig{Provider: "nonexistent"}, "")

	for kind, err := range checks {
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: expected ErrProviderNotRegistered, got: %v", kind, err)
		}
		if err != nil && !strings.Contains(err.Error(), kind+"/") {
			t.Errorf("%s: error %q does not name the kind", kind, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	wantLLM := &llmmock.Provider{}
	wantSTT := &sttmock.Provider{}
	wantTTS := &ttsmock.Provider{}
	wantVAD := &vadmock.Engine{}
	wantTel := &telmock.CallControl{}

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return wantLLM, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return wantSTT, nil })
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) { return wantTTS, nil })
	reg.RegisterVAD("stub", func(config.ProviderEntry) (vad.Engine, error) { return wantVAD, nil })
	var gotURL string
	reg.RegisterTelephony("stub", func(_ config.TelephonyConfig, publicURL string) (telephony.CallControl, error) {
		gotURL = publicURL
		return wantTel, nil
	})

	entry := config.ProviderEntry{Name: "stub", Model: "m1"}
	if p, err := reg.CreateLLM(entry); err != nil || p != wantLLM {
		t.Errorf("CreateLLM = %v, %v", p, err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory got entry %+v", gotEntry)
	}
	if p, err := reg.CreateSTT(entry); err != nil || p != wantSTT {
		t.Errorf("CreateSTT = %v, %v", p, err)
	}
	if p, err := reg.CreateTTS(entry); err != nil || p != wantTTS {
		t.Errorf("CreateTTS = %v, %v", p, err)
	}
	if p, err := reg.CreateVAD(entry); err != nil || p != wantVAD {
		t.Errorf("CreateVAD = %v, %v", p, err)
	}
	if p, err := reg.CreateTelephony(config.TelephonyConfig{Provider: "stub"}, "https://x"); err != nil || p != wantTel {
		t.Errorf("CreateTelephony = %v, %v", p, err)
	}
	if gotURL != "https://x" {
		t.Errorf("telephony factory got public url %q", gotURL)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad api key")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })

	_, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	stub := func(config.ProviderEntry) (llm.Provider, error) { return nil, nil }
	reg.RegisterLLM("zeta", stub)
	reg.RegisterLLM("alpha", stub)
	reg.RegisterLLM("alpha", stub)
	reg.RegisterTelephony("twilio", func(config.TelephonyConfig, string) (telephony.CallControl, error) { return nil, nil })

	names := reg.Names()
	if got := names["llm"]; !slices.Equal(got, []string{"alpha", "zeta"}) {
		t.Errorf("llm names = %v", got)
	}
	if got := names["telephony"]; !slices.Equal(got, []string{"twilio"}) {
		t.Errorf("telephony names = %v", got)
	}
	if got := names["stt"]; len(got) != 0 {
		t.Errorf("stt names = %v, want none", got)
	}
}
