// Package agent defines the personas that answer phone calls.
//
// An [Agent] supplies the system prompt, the TTS voice and an optional
// greeting for a call. Personas are declared in YAML (see [Decode]) and may
// additionally be persisted by an agentstore. A [Directory] resolves the
// persona named in the call setup, falling back to a configured default.
//
// This package lives under internal/ because it encapsulates application-private
// call handling and is not intended to be imported by external code.
package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/MrWong99/switchboard/internal/convo"
	"github.com/MrWong99/switchboard/pkg/types"
)

// idPattern restricts agent ids to values that are safe in URLs and TwiML
// stream parameters.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Agent is the static persona of a phone agent.
type Agent struct {
	// ID is the stable identifier used in call setup and storage.
	ID string `yaml:"id" json:"id"`

	// Name is the display name the agent introduces itself with.
	Name string `yaml:"name" json:"name"`

	// Prompt is the base system prompt.
	Prompt string `yaml:"prompt" json:"prompt"`

	// Greeting, if set, is spoken as soon as the media stream starts.
	Greeting string `yaml:"greeting" json:"greeting"`

	// Voice selects the TTS voice.
	Voice Voice `yaml:"voice" json:"voice"`

	// BehaviorRules are hard constraints appended to the system prompt as a
	// numbered list.
	BehaviorRules []string `yaml:"behavior_rules" json:"behavior_rules"`

	// Vocabulary lists names callers are expected to say, such as products
	// or places. They are sent to STT as recognition hints and final
	// transcripts are corrected against them.
	Vocabulary []string `yaml:"vocabulary" json:"vocabulary"`

	// MaxHistoryTokens caps the conversation history sent to the model.
	// Zero keeps the whole call.
	MaxHistoryTokens int `yaml:"max_history_tokens" json:"max_history_tokens"`

	// CreatedAt is the time the persona was first persisted.
	CreatedAt time.Time `yaml:"-" json:"created_at"`

	// UpdatedAt is the time the persona was last modified.
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

// Voice describes the TTS voice of an agent.
type Voice struct {
	// Provider names the TTS provider the voice belongs to. Empty means the
	// configured provider.
	Provider string `yaml:"provider" json:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id" json:"voice_id"`

	// SpeedFactor adjusts speaking rate (0.5-2.0). Zero uses the provider default.
	SpeedFactor float64 `yaml:"speed_factor" json:"speed_factor"`
}

// Validate checks the voice settings.
func (v Voice) Validate() error {
	return validation.ValidateStruct(&v,
		validation.Field(&v.SpeedFactor, validation.When(v.SpeedFactor != 0,
			validation.Min(0.5), validation.Max(2.0))),
	)
}

// Validate reports every invalid field of a. Errors are prefixed with
// "agent: ".
func (a Agent) Validate() error {
	err := validation.ValidateStruct(&a,
		validation.Field(&a.ID,
			validation.Required,
			validation.Length(1, 64),
			validation.Match(idPattern).Error("must contain only lower-case letters, digits, '-' and '_'"),
		),
		validation.Field(&a.Name, validation.Required, validation.Length(1, 100)),
		validation.Field(&a.Prompt, validation.Required),
		validation.Field(&a.Voice),
		validation.Field(&a.MaxHistoryTokens, validation.Min(0)),
	)
	if err != nil {
		if a.ID == "" {
			return fmt.Errorf("agent: %w", err)
		}
		return fmt.Errorf("agent: %s: %w", a.ID, err)
	}
	return nil
}

// SystemPrompt returns the prompt followed by the numbered behaviour rules.
func (a Agent) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(a.Prompt))
	rules := 0
	for _, r := range a.BehaviorRules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if rules == 0 {
			b.WriteString("\n\nRules:")
		}
		rules++
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(rules))
		b.WriteString(". ")
		b.WriteString(r)
	}
	return b.String()
}

// VoiceProfile converts the voice settings into the profile passed to the
// TTS provider.
func (a Agent) VoiceProfile() types.VoiceProfile {
	return types.VoiceProfile{
		ID:          a.Voice.VoiceID,
		Name:        a.Name,
		Provider:    a.Voice.Provider,
		SpeedFactor: a.Voice.SpeedFactor,
	}
}

// NewContext returns a fresh conversation context for one call with this
// agent: its system prompt and the end_call tool. The greeting is added by
// the turn controller once it has been played.
func (a Agent) NewContext() *convo.Context {
	return convo.New(a.SystemPrompt(),
		[]types.ToolDefinition{convo.EndCallTool()},
		convo.WithMaxTokens(a.MaxHistoryTokens),
	)
}
