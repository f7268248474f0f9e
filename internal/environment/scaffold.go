package environment

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/promptobjects/promptobjects/internal/loader"
)

// Templates available to Scaffold.
const (
	TemplateMinimal   = "minimal"
	TemplateAssistant = "assistant"
)

var gitignore = []byte(`sessions.db
sessions.db-wal
sessions.db-shm
`)

// Scaffold creates a fresh environment directory at dir. It refuses to write
// into a directory that already holds a manifest.
func Scaffold(dir, name, template string) error {
	if name == "" {
		name = filepath.Base(dir)
	}
	if template == "" {
		template = TemplateMinimal
	}
	defs, description, err := templateObjects(template, name)
	if err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
		return fmt.Errorf("%s already contains an environment", dir)
	}
	for _, sub := range []string{objectsDir, primitivesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}

	manifest, err := yaml.Marshal(Manifest{
		Name:        name,
		Description: description,
		LLM:         LLMConfig{Provider: "anthropic"},
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), manifest, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), gitignore, 0o644); err != nil {
		return err
	}

	for _, def := range defs {
		def.Path = filepath.Join(dir, objectsDir, def.Name+".md")
		if err := def.Save(); err != nil {
			return err
		}
	}
	return nil
}

func templateObjects(template, envName string) ([]*loader.Definition, string, error) {
	switch template {
	case TemplateMinimal:
		return []*loader.Definition{
			{
				Frontmatter: loader.Frontmatter{
					Name:        "assistant",
					Description: "A general-purpose assistant",
				},
				Body: "You are a helpful assistant. Answer clearly and concisely.\n",
			},
		}, "The " + envName + " environment", nil

	case TemplateAssistant:
		return []*loader.Definition{
			{
				Frontmatter: loader.Frontmatter{
					Name:         "assistant",
					Description:  "Coordinates work and delegates research",
					Capabilities: []string{"researcher", "ask_human", "think"},
				},
				Body: "You are the front door of this environment. Answer directly when\n" +
					"you can; delegate open research questions to the researcher. Ask\n" +
					"the human before taking irreversible actions.\n",
			},
			{
				Frontmatter: loader.Frontmatter{
					Name:         "researcher",
					Description:  "Digs into questions using files and the web",
					Capabilities: []string{"read_file", "list_files", "http_get", "store_env_data"},
				},
				Body: "You research questions thoroughly. Record durable findings with\n" +
					"store_env_data so other prompt objects can reuse them.\n",
			},
		}, "An assistant pair for " + envName, nil

	default:
		return nil, "", fmt.Errorf("unknown template %q", template)
	}
}
