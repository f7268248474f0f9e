// Package main provides the CLI entry point for the prompt objects runtime.
//
// Prompt objects are LLM-backed actors defined in markdown files. The runtime
// loads an environment directory, wires the objects to an LLM provider, and
// exposes them over WebSocket/REST or the Model Context Protocol.
//
// # Basic Usage
//
// Start the server for an environment:
//
//	promptobjects serve ./my-env
//
// Serve the environment to an MCP client over stdio:
//
//	promptobjects mcp ./my-env
//
// Scaffold a fresh environment:
//
//	promptobjects new my-env
//
// # Environment Variables
//
//   - PROMPT_OBJECTS_DIR: Default environment directory
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/promptobjects/promptobjects/internal/environment"
	"github.com/promptobjects/promptobjects/internal/llm"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "promptobjects",
		Short: "Prompt objects - message-passing runtime for LLM-backed actors",
		Long: `Prompt objects are LLM-backed actors defined in markdown files that talk
to each other by structured message passing.

An environment directory holds the object definitions (objects/*.md),
custom primitives (primitives/*.star), and conversation history
(sessions.db).`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMCPCmd(),
		buildNewCmd(),
		buildExportCmd(),
		buildImportCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

// openEnvironment resolves the directory argument and boots the environment
// with a provider picked from the manifest and API keys in the process env.
func openEnvironment(args []string) (*environment.Environment, error) {
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	dir, err := environment.Resolve(arg)
	if err != nil {
		return nil, err
	}

	env, err := environment.New(dir, environment.Options{})
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := attachProviders(env); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// attachProviders registers every provider the process has credentials for.
// The manifest's llm.provider picks the active one; without credentials the
// scripted provider keeps offline commands working.
func attachProviders(env *environment.Environment) error {
	model := env.Manifest.LLM.Model

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := llm.NewAnthropicProvider(llm.AnthropicConfig{APIKey: key, DefaultModel: model})
		if err != nil {
			return err
		}
		env.Engine.AddProvider(p)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{APIKey: key, DefaultModel: model})
		if err != nil {
			return err
		}
		env.Engine.AddProvider(p)
	}
	env.Engine.AddProvider(llm.NewScriptedProvider())

	if want := env.Manifest.LLM.Provider; want != "" {
		if err := env.Engine.UseProvider(want); err != nil {
			slog.Warn("configured provider unavailable", "provider", want, "error", err)
		}
	}
	return nil
}
