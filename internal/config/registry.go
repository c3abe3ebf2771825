package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/telephony"
)

// ErrProviderNotRegistered is returned when a config names a provider that
// no factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TelephonyFactory builds call control. publicURL is [ServerConfig.PublicURL]
// so the factory can derive its webhook addresses.
type TelephonyFactory func(cfg TelephonyConfig, publicURL string) (telephony.CallControl, error)

// Factory builds one provider of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one kind's name → constructor table.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, byName: map[string]Factory[T]{}}
}

// build runs the constructor for entry.Name outside the registry lock.
func build[T any](r *Registry, f factories[T], entry ProviderEntry) (T, error) {
	r.mu.RLock()
	ctor, ok := f.byName[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return ctor(entry)
}

func (f factories[T]) names() []string {
	out := make([]string, 0, len(f.byName))
	for name := range f.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry holds the provider constructors known to the binary, keyed by the
// name used in config. Registration happens at startup; lookups may run
// concurrently with it.
type Registry struct {
	mu        sync.RWMutex
	llm       factories[llm.Provider]
	stt       factories[stt.Provider]
	tts       factories[tts.Provider]
	vad       factories[vad.Engine]
	telephony map[string]TelephonyFactory
}

// NewRegistry returns a registry with no providers.
func NewRegistry() *Registry {
	return &Registry{
		llm:       newFactories[llm.Provider]("llm"),
		stt:       newFactories[stt.Provider]("stt"),
		tts:       newFactories[tts.Provider]("tts"),
		vad:       newFactories[vad.Engine]("vad"),
		telephony: map[string]TelephonyFactory{},
	}
}

// RegisterLLM adds an LLM constructor. A later registration under the same
// name replaces the earlier one.
func (r *Registry) RegisterLLM(name string, f func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	r.llm.byName[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterSTT(name string, f func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	r.stt.byName[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterTTS(name string, f func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	r.tts.byName[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterVAD(name string, f func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	r.vad.byName[name] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterTelephony(name string, f TelephonyFactory) {
	r.mu.Lock()
	r.telephony[name] = f
	r.mu.Unlock()
}

// CreateLLM builds the LLM named by entry.Name. It wraps
// [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return build(r, r.llm, entry)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return build(r, r.stt, entry)
}

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return build(r, r.tts, entry)
}

func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return build(r, r.vad, entry)
}

// CreateTelephony builds call control for cfg.Provider.
func (r *Registry) CreateTelephony(cfg TelephonyConfig, publicURL string) (telephony.CallControl, error) {
	r.mu.RLock()
	ctor, ok := r.telephony[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: telephony/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return ctor(cfg, publicURL)
}

// Names lists the registered provider names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tel := make([]string, 0, len(r.telephony))
	for name := range r.telephony {
		tel = append(tel, name)
	}
	sort.Strings(tel)
	return map[string][]string{
		r.llm.kind:  r.llm.names(),
		r.stt.kind:  r.stt.names(),
		r.tts.kind:  r.tts.names(),
		r.vad.kind:  r.vad.names(),
		"telephony": tel,
	}
}
