package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/promptobjects/promptobjects/internal/environment"
	"github.com/promptobjects/promptobjects/internal/store"
)

// buildNewCmd creates the "new" command scaffolding an environment.
func buildNewCmd() *cobra.Command {
	var template string

	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Scaffold a new environment directory",
		Example: `  # A minimal environment with one assistant
  promptobjects new my-env

  # An assistant/researcher pair
  promptobjects new my-env --template assistant`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("environment name is required")
			}
			if err := environment.Scaffold(name, filepath.Base(name), template); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Environment created: %s\n", name)
			fmt.Fprintf(cmd.OutOrStdout(), "Start it with: promptobjects serve %s\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&template, "template", environment.TemplateMinimal,
		"Scaffold template (minimal, assistant)")
	return cmd
}

// buildExportCmd creates the "export" command bundling an environment as zip.
func buildExportCmd() *cobra.Command {
	var output string
	var includeSessions bool

	cmd := &cobra.Command{
		Use:   "export [env-dir]",
		Short: "Export an environment as a zip bundle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) > 0 {
				arg = args[0]
			}
			dir, err := environment.Resolve(arg)
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Base(dir) + ".zip"
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := environment.Export(dir, f, environment.ExportOptions{
				IncludeSessions: includeSessions,
			}); err != nil {
				f.Close()
				os.Remove(output)
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bundle written: %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default <env>.zip)")
	cmd.Flags().BoolVar(&includeSessions, "include-sessions", false,
		"Keep conversation history in the bundle")
	return cmd
}

// buildImportCmd creates the "import" command unpacking a bundle.
func buildImportCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "import <bundle>",
		Short: "Import an environment bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle := args[0]
			dest := path
			if dest == "" {
				dest = strings.TrimSuffix(filepath.Base(bundle), ".zip")
			}
			if err := environment.Import(bundle, dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Environment imported: %s\n", dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Destination directory (default bundle name)")
	return cmd
}

// buildSessionsCmd creates the "sessions" command listing stored sessions.
func buildSessionsCmd() *cobra.Command {
	var poName string

	cmd := &cobra.Command{
		Use:   "sessions [env-dir]",
		Short: "List stored sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(args)
			if err != nil {
				return err
			}
			defer env.Close()

			sessions, err := env.Store.ListSessions(cmd.Context(), store.ListSessionsOptions{
				PoName: poName,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			fmt.Fprintln(out, "Sessions:")
			for _, session := range sessions {
				kind := "root"
				if !session.IsRoot() {
					kind = "delegation"
				}
				fmt.Fprintf(out, "  %s  %s (%s, %s, updated %s)\n",
					session.ID, session.PoName, kind, session.Source,
					session.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&poName, "po", "", "Filter by prompt object name")
	return cmd
}
