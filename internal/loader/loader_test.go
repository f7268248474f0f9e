package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const greeterFile = `---
name: greeter
description: Greets people warmly
capabilities:
  - read_file
---
You are a warm and friendly greeter.`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(greeterFile))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Name != "greeter" {
		t.Fatalf("name = %q", def.Name)
	}
	if def.Description != "Greets people warmly" {
		t.Fatalf("description = %q", def.Description)
	}
	if len(def.Capabilities) != 1 || def.Capabilities[0] != "read_file" {
		t.Fatalf("capabilities = %v", def.Capabilities)
	}
	if def.Body != "You are a warm and friendly greeter." {
		t.Fatalf("body = %q", def.Body)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"no opening delimiter", "name: x\n---\nbody"},
		{"no closing delimiter", "---\nname: x\nbody"},
		{"missing name", "---\ndescription: y\n---\nbody"},
		{"bad yaml", "---\nname: [\n---\nbody"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); err == nil {
				t.Fatalf("expected error for %q", tc.data)
			}
		})
	}
}

func TestWatchesEnvDataForms(t *testing.T) {
	boolForm := "---\nname: watcher\nwatches_env_data: true\n---\nbody"
	def, err := Parse([]byte(boolForm))
	if err != nil {
		t.Fatalf("Parse bool form: %v", err)
	}
	if def.WatchesEnvData == nil || !def.WatchesEnvData.All {
		t.Fatalf("bool form not preserved: %+v", def.WatchesEnvData)
	}

	listForm := "---\nname: watcher\nwatches_env_data:\n  - finding\n  - status\n---\nbody"
	def, err = Parse([]byte(listForm))
	if err != nil {
		t.Fatalf("Parse list form: %v", err)
	}
	if def.WatchesEnvData == nil || len(def.WatchesEnvData.Keys) != 2 {
		t.Fatalf("list form not preserved: %+v", def.WatchesEnvData)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	def, err := Parse([]byte(greeterFile))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	def.Capabilities = append(def.Capabilities, "list_files")

	data, err := def.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	reparsed, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(reparsed.Capabilities) != 2 || reparsed.Capabilities[1] != "list_files" {
		t.Fatalf("capabilities not round-tripped: %v", reparsed.Capabilities)
	}
	if reparsed.Body != def.Body {
		t.Fatalf("body not round-tripped: %q", reparsed.Body)
	}
}

func TestLoadObjects(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("greeter.md", greeterFile)
	write("reader.md", "---\nname: reader\n---\nYou read files.")
	write("notes.txt", "not a prompt object")

	defs, err := LoadObjects(dir)
	if err != nil {
		t.Fatalf("LoadObjects: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Name != "greeter" || defs[1].Name != "reader" {
		t.Fatalf("unexpected order: %s, %s", defs[0].Name, defs[1].Name)
	}
	if defs[0].Path == "" {
		t.Fatal("path not recorded")
	}
}

func TestLoadObjectsRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.md", "b.md"} {
		if err := os.WriteFile(filepath.Join(dir, name),
			[]byte("---\nname: same\n---\nbody"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_, err := LoadObjects(dir)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestLoadObjectsMissingDir(t *testing.T) {
	defs, err := LoadObjects(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if defs != nil {
		t.Fatalf("expected nil, got %v", defs)
	}
}
