// Package engine drives prompt object turns: LLM streaming, tool dispatch,
// delegation into other prompt objects, persistence, and human-in-the-loop
// suspension.
package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/promptobjects/promptobjects/internal/bus"
	"github.com/promptobjects/promptobjects/internal/humanq"
	"github.com/promptobjects/promptobjects/internal/llm"
	"github.com/promptobjects/promptobjects/internal/primitive"
	"github.com/promptobjects/promptobjects/internal/registry"
	"github.com/promptobjects/promptobjects/internal/store"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Registry   *registry.Registry
	Store      *store.Store
	Bus        *bus.Bus
	Queue      *humanq.Queue
	Primitives *primitive.Manager

	// ObjectsDir is where create_capability writes new PO definition files.
	ObjectsDir string

	// Provider is the initial LLM provider.
	Provider llm.Provider

	// MaxIterations bounds tool-call iterations per turn. 0 means unbounded.
	MaxIterations int
}

// Engine executes prompt object turns.
type Engine struct {
	registry   *registry.Registry
	store      *store.Store
	bus        *bus.Bus
	queue      *humanq.Queue
	primitives *primitive.Manager
	objectsDir string

	maxIterations int
	logger        *slog.Logger

	mu        sync.RWMutex
	providers map[string]llm.Provider
	active    llm.Provider
}

// New creates an engine and registers the universal capabilities.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		registry:      cfg.Registry,
		store:         cfg.Store,
		bus:           cfg.Bus,
		queue:         cfg.Queue,
		primitives:    cfg.Primitives,
		objectsDir:    cfg.ObjectsDir,
		maxIterations: cfg.MaxIterations,
		logger:        slog.Default().With("component", "engine"),
		providers:     make(map[string]llm.Provider),
	}
	if cfg.Provider != nil {
		e.providers[cfg.Provider.Name()] = cfg.Provider
		e.active = cfg.Provider
	}
	if err := e.registerUniversals(); err != nil {
		return nil, fmt.Errorf("register universal capabilities: %w", err)
	}
	return e, nil
}

// AddProvider makes a provider available for switching.
func (e *Engine) AddProvider(p llm.Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[p.Name()] = p
	if e.active == nil {
		e.active = p
	}
}

// UseProvider switches the active LLM provider by name. In-flight turns keep
// the provider they started with.
func (e *Engine) UseProvider(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.providers[name]
	if !ok {
		return fmt.Errorf("unknown llm provider %q", name)
	}
	e.active = p
	e.logger.Info("llm provider switched", "provider", name)
	return nil
}

// ActiveProvider returns the current provider, or nil when none is configured.
func (e *Engine) ActiveProvider() llm.Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Registry exposes the capability registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Store exposes the thread store.
func (e *Engine) Store() *store.Store { return e.store }

// Queue exposes the human request queue.
func (e *Engine) Queue() *humanq.Queue { return e.queue }

// Bus exposes the message bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// TurnError wraps a failure that terminated a turn, recording where in the
// loop it happened.
type TurnError struct {
	Phase     string
	PoName    string
	Iteration int
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed for %s during %s (iteration %d): %v",
		e.PoName, e.Phase, e.Iteration, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
