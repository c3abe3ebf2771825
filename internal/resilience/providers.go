package resilience

import (
	"context"

	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/types"
)

// Only opening a stream fails over. Once a stream is running its errors are
// reported through the stream and handled by the turn controller.

// LLMFallback is an [llm.Provider] backed by a [FallbackGroup].
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

// NewLLMFallback returns an LLMFallback with primary as its first member.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// StreamCompletion implements [llm.Provider].
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Run(ctx, f.FallbackGroup, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens implements [llm.Provider] using the first member that can
// count.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return Run(context.Background(), f.FallbackGroup, func(_ context.Context, p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.Primary().Capabilities()
}

// STTFallback is an [stt.Provider] backed by a [FallbackGroup].
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

// NewSTTFallback returns an STTFallback with primary as its first member.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// StartStream implements [stt.Provider].
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Run(ctx, f.FallbackGroup, func(ctx context.Context, p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTSFallback is a [tts.Provider] backed by a [FallbackGroup]. Every member
// must produce the primary's [tts.Format].
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

// NewTTSFallback returns a TTSFallback with primary as its first member.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// SynthesizeStream implements [tts.Provider].
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	return Run(ctx, f.FallbackGroup, func(ctx context.Context, p tts.Provider) (*tts.Stream, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices implements [tts.Provider].
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return Run(ctx, f.FallbackGroup, func(ctx context.Context, p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Format reports the primary's output format.
func (f *TTSFallback) Format() tts.Format {
	return f.Primary().Format()
}

var (
	_ llm.Provider = (*LLMFallback)(nil)
	_ stt.Provider = (*STTFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
)
