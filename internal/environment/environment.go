// Package environment boots and owns one prompt object environment: a
// directory holding manifest.yml, objects/, primitives/, and sessions.db,
// wired into a running engine.
package environment

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/promptobjects/promptobjects/internal/bus"
	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/engine"
	"github.com/promptobjects/promptobjects/internal/humanq"
	"github.com/promptobjects/promptobjects/internal/llm"
	"github.com/promptobjects/promptobjects/internal/loader"
	"github.com/promptobjects/promptobjects/internal/primitive"
	"github.com/promptobjects/promptobjects/internal/registry"
	"github.com/promptobjects/promptobjects/internal/store"
)

// EnvVar names the default environment directory for commands that accept an
// optional path, the MCP entrypoint in particular.
const EnvVar = "PROMPT_OBJECTS_DIR"

const (
	manifestFile  = "manifest.yml"
	objectsDir    = "objects"
	primitivesDir = "primitives"
	databaseFile  = "sessions.db"
)

// LLMConfig selects the default model backend in manifest.yml.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Manifest is the environment's manifest.yml.
type Manifest struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	LLM         LLMConfig `yaml:"llm,omitempty"`
}

// Options tunes environment boot.
type Options struct {
	// Provider is the initial LLM provider. Nil boots without one; turns then
	// fail until a provider is added.
	Provider llm.Provider

	// MaxIterations bounds tool-call rounds per turn. 0 means unbounded.
	MaxIterations int
}

// Environment is a booted environment directory.
type Environment struct {
	Path     string
	Manifest Manifest

	Store      *store.Store
	Registry   *registry.Registry
	Bus        *bus.Bus
	Queue      *humanq.Queue
	Primitives *primitive.Manager
	Engine     *engine.Engine

	logger  *slog.Logger
	watcher *watcher
}

// New boots the environment at dir: manifest, store, primitives, prompt
// objects. Malformed primitives are skipped with a warning; a malformed
// prompt object fails the boot.
func New(dir string, opts Options) (*Environment, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	manifest, err := readManifest(abs)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(abs, databaseFile))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New()
	b := bus.New(bus.WithSink(st))
	queue := humanq.New()
	primitives := primitive.NewManager(filepath.Join(abs, primitivesDir), reg)

	eng, err := engine.New(engine.Config{
		Registry:      reg,
		Store:         st,
		Bus:           b,
		Queue:         queue,
		Primitives:    primitives,
		ObjectsDir:    filepath.Join(abs, objectsDir),
		Provider:      opts.Provider,
		MaxIterations: opts.MaxIterations,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	env := &Environment{
		Path:       abs,
		Manifest:   manifest,
		Store:      st,
		Registry:   reg,
		Bus:        b,
		Queue:      queue,
		Primitives: primitives,
		Engine:     eng,
		logger:     slog.Default().With("component", "environment", "env", manifest.Name),
	}

	for _, p := range primitive.Builtins(abs) {
		if err := reg.Register(p); err != nil {
			st.Close()
			return nil, fmt.Errorf("register builtin %s: %w", p.Name(), err)
		}
	}
	for _, loadErr := range primitives.LoadDir() {
		env.logger.Warn("skipping primitive", "error", loadErr)
	}
	if err := env.registerObjects(); err != nil {
		st.Close()
		return nil, err
	}

	env.logger.Info("environment loaded",
		"prompt_objects", len(reg.List(capability.KindPO)),
		"path", abs)
	return env, nil
}

func (e *Environment) registerObjects() error {
	defs, err := loader.LoadObjects(filepath.Join(e.Path, objectsDir))
	if err != nil {
		return fmt.Errorf("load prompt objects: %w", err)
	}
	for _, def := range defs {
		if err := e.Registry.Register(engine.NewPromptObject(e.Engine, def)); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

// Close stops the watcher, if running, and releases the store.
func (e *Environment) Close() error {
	if e.watcher != nil {
		e.watcher.stop()
		e.watcher = nil
	}
	return e.Store.Close()
}

func readManifest(dir string) (Manifest, error) {
	var manifest Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			manifest.Name = filepath.Base(dir)
			return manifest, nil
		}
		return manifest, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.Name == "" {
		manifest.Name = filepath.Base(dir)
	}
	return manifest, nil
}

// Resolve picks the environment directory: the explicit argument when given,
// else PROMPT_OBJECTS_DIR, else the working directory.
func Resolve(arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	if dir := os.Getenv(EnvVar); dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
