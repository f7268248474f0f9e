// Package loader parses prompt object definition files: YAML frontmatter
// delimited by --- lines, followed by a markdown body used verbatim as the
// LLM system prompt.
package loader

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FrontmatterDelimiter marks the beginning and end of YAML frontmatter.
const FrontmatterDelimiter = "---"

// WatchesEnvData is a frontmatter field that is either a boolean or a list of
// keys. It is parsed and preserved; acting on it is a watcher concern.
type WatchesEnvData struct {
	All  bool
	Keys []string
}

// UnmarshalYAML accepts `true`/`false` or a list of key strings.
func (w *WatchesEnvData) UnmarshalYAML(node *yaml.Node) error {
	var b bool
	if err := node.Decode(&b); err == nil {
		w.All = b
		w.Keys = nil
		return nil
	}
	var keys []string
	if err := node.Decode(&keys); err == nil {
		w.All = len(keys) > 0
		w.Keys = keys
		return nil
	}
	return fmt.Errorf("watches_env_data must be a boolean or a list of keys")
}

// MarshalYAML renders the field back the way it was authored.
func (w WatchesEnvData) MarshalYAML() (any, error) {
	if len(w.Keys) > 0 {
		return w.Keys, nil
	}
	return w.All, nil
}

// Frontmatter is the recognized PO configuration.
type Frontmatter struct {
	Name           string          `yaml:"name"`
	Description    string          `yaml:"description,omitempty"`
	Capabilities   []string        `yaml:"capabilities,omitempty"`
	WatchesEnvData *WatchesEnvData `yaml:"watches_env_data,omitempty"`
}

// Definition is one parsed prompt object file.
type Definition struct {
	Frontmatter

	// Body is the markdown body, the PO's system prompt.
	Body string

	// Path is the file the definition was read from; empty for in-memory
	// definitions not yet saved.
	Path string
}

// ParseFile reads and parses one PO definition file.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	def.Path = path
	return def, nil
}

// Parse parses PO definition content.
func Parse(data []byte) (*Definition, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(frontmatter, &def.Frontmatter); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("prompt object name is required")
	}

	def.Body = strings.TrimSpace(string(body))
	return &def, nil
}

// Encode renders a definition back to the on-disk format.
func (d *Definition) Encode() ([]byte, error) {
	frontmatter, err := yaml.Marshal(&d.Frontmatter)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(FrontmatterDelimiter + "\n")
	b.Write(frontmatter)
	b.WriteString(FrontmatterDelimiter + "\n")
	b.WriteString(d.Body)
	b.WriteString("\n")
	return b.Bytes(), nil
}

// Save writes the definition to d.Path.
func (d *Definition) Save() error {
	if d.Path == "" {
		return fmt.Errorf("definition %q has no backing file", d.Name)
	}
	data, err := d.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(d.Path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", d.Path, err)
	}
	return nil
}

// LoadObjects parses every *.md file in dir, sorted by filename. Duplicate PO
// names across files are rejected.
func LoadObjects(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read objects dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string)
	var defs []*Definition
	for _, name := range names {
		def, err := ParseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.Name]; ok {
			return nil, fmt.Errorf("duplicate prompt object name %q in %s (already defined in %s)",
				def.Name, name, prev)
		}
		seen[def.Name] = name
		defs = append(defs, def)
	}
	return defs, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body. The
// opening and closing delimiters must each be on their own line.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatterLines []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			foundClosing = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClosing {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(frontmatterLines, "\n")),
		[]byte(strings.Join(bodyLines, "\n")), nil
}
