package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrProviderNotRegistered means no factory exists for a provider entry's
// name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is one kind's name-to-factory table.
type factories[P any] struct {
	kind   string
	byName map[string]Factory[P]
}

func create[P any](r *Registry, f *factories[P], entry ProviderEntry) (P, error) {
	r.mu.RLock()
	build, ok := f.byName[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return build(entry)
}

// Registry resolves provider entries to constructed providers. Registering a
// name twice replaces the earlier factory. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	stt factories[stt.Provider]
	tts factories[tts.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm: factories[llm.Provider]{kind: "llm", byName: map[string]Factory[llm.Provider]{}},
		stt: factories[stt.Provider]{kind: "stt", byName: map[string]Factory[stt.Provider]{}},
		tts: factories[tts.Provider]{kind: "tts", byName: map[string]Factory[tts.Provider]{}},
	}
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) { r.register(func() { r.llm.byName[name] = f }) }
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) { r.register(func() { r.stt.byName[name] = f }) }
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) { r.register(func() { r.tts.byName[name] = f }) }

func (r *Registry) register(set func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set()
}

// CreateLLM builds the LLM provider named by entry.Name. An unknown name
// yields an error wrapping [ErrProviderNotRegistered].
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, &r.llm, entry)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, &r.stt, entry)
}

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, &r.tts, entry)
}

// Names lists the registered names of kind ("llm", "stt" or "tts"), sorted.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.llm.kind:
		return slices.Sorted(maps.Keys(r.llm.byName))
	case r.stt.kind:
		return slices.Sorted(maps.Keys(r.stt.byName))
	case r.tts.kind:
		return slices.Sorted(maps.Keys(r.tts.byName))
	}
	return nil
}
