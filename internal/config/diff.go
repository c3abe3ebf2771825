package config

import (
	"cmp"
	"slices"

	"github.com/MrWong99/switchboard/internal/agent"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AgentsChanged bool
	AgentChanges  []AgentDiff // per-persona diffs for inline agents

	DefaultAgentChanged bool
	NewDefaultAgent     string

	// RestartRequired names config sections that changed but only take
	// effect after a restart.
	RestartRequired []string
}

// AgentDiff describes what changed for a single inline persona.
type AgentDiff struct {
	ID              string
	PromptChanged   bool // prompt or behaviour rules
	VoiceChanged    bool
	GreetingChanged bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
// Active calls keep the persona they started with; changes apply to new calls.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Agents.Default != new.Agents.Default {
		d.DefaultAgentChanged = true
		d.NewDefaultAgent = new.Agents.Default
	}
	if old.Agents.File != new.Agents.File {
		d.AgentsChanged = true
	}

	oldAgents := indexAgents(old.Agents.Inline)
	newAgents := indexAgents(new.Agents.Inline)

	for id, oa := range oldAgents {
		na, exists := newAgents[id]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Removed: true})
			continue
		}
		ad := diffAgent(id, oa, na)
		if ad.PromptChanged || ad.VoiceChanged || ad.GreetingChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
		}
	}
	for id := range newAgents {
		if _, exists := oldAgents[id]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.AgentChanges, func(a, b AgentDiff) int {
		return cmp.Compare(a.ID, b.ID)
	})
	if len(d.AgentChanges) > 0 {
		d.AgentsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.PublicURL != new.Server.PublicURL ||
		old.Server.MaxCalls != new.Server.MaxCalls {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Telephony != new.Telephony {
		d.RestartRequired = append(d.RestartRequired, "telephony")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) || !sameEntry(old.Providers.STT, new.Providers.STT) ||
		!sameEntry(old.Providers.TTS, new.Providers.TTS) || !sameEntry(old.Providers.VAD, new.Providers.VAD) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}

	return d
}

func indexAgents(list []agent.Agent) map[string]*agent.Agent {
	m := make(map[string]*agent.Agent, len(list))
	for i := range list {
		m[list[i].ID] = &list[i]
	}
	return m
}

// diffAgent compares two personas with the same id.
func diffAgent(id string, old, new *agent.Agent) AgentDiff {
	return AgentDiff{
		ID: id,
		PromptChanged: old.Name != new.Name || old.Prompt != new.Prompt ||
			!slices.Equal(old.BehaviorRules, new.BehaviorRules) ||
			!slices.Equal(old.Vocabulary, new.Vocabulary) ||
			old.MaxHistoryTokens != new.MaxHistoryTokens,
		VoiceChanged:    old.Voice != new.Voice,
		GreetingChanged: old.Greeting != new.Greeting,
	}
}

// sameEntry compares the identity fields of two provider entries. Options are
// not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
