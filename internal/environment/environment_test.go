package environment

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/engine"
	"github.com/promptobjects/promptobjects/internal/llm"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const greeterSource = `---
name: greeter
description: Greets people
---
You greet warmly.
`

func bootEnv(t *testing.T, dir string) *Environment {
	t.Helper()
	env, err := New(dir, Options{Provider: llm.NewScriptedProvider()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func TestNewLoadsObjectsAndPrimitives(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manifest.yml"), "name: demo\ndescription: A demo\n")
	writeFile(t, filepath.Join(dir, "objects", "greeter.md"), greeterSource)
	writeFile(t, filepath.Join(dir, "primitives", "shout.star"), `
name = "shout"
description = "Uppercases a message"

def parameters():
    return {"type": "object", "properties": {"message": {"type": "string"}}}

def receive(message, context):
    return message.upper()
`)
	// A malformed primitive is skipped, not fatal.
	writeFile(t, filepath.Join(dir, "primitives", "broken.star"), `def receive(`)

	env := bootEnv(t, dir)

	if env.Manifest.Name != "demo" {
		t.Fatalf("name = %q", env.Manifest.Name)
	}
	if env.Registry.Get("greeter") == nil {
		t.Fatal("greeter not registered")
	}
	if env.Registry.Get("shout") == nil {
		t.Fatal("shout not registered")
	}
	if env.Registry.Get("read_file") == nil {
		t.Fatal("built-ins not registered")
	}
	if env.Registry.Has("broken") {
		t.Fatal("malformed primitive must not register")
	}
}

func TestNewWithoutManifestUsesDirName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-env")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	env := bootEnv(t, dir)
	if env.Manifest.Name != "my-env" {
		t.Fatalf("name = %q", env.Manifest.Name)
	}
}

func TestScaffold(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")
	if err := Scaffold(dir, "fresh", TemplateAssistant); err != nil {
		t.Fatalf("Scaffold: %v", err)
	}

	for _, path := range []string{"manifest.yml", ".gitignore", "objects/assistant.md", "objects/researcher.md"} {
		if _, err := os.Stat(filepath.Join(dir, path)); err != nil {
			t.Fatalf("missing %s: %v", path, err)
		}
	}

	env := bootEnv(t, dir)
	if len(env.Registry.List(capability.KindPO)) != 2 {
		t.Fatal("scaffolded objects did not load")
	}

	if err := Scaffold(dir, "fresh", TemplateMinimal); err == nil {
		t.Fatal("second scaffold into same dir must fail")
	}
	if err := Scaffold(filepath.Join(t.TempDir(), "x"), "x", "bogus"); err == nil {
		t.Fatal("unknown template must fail")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "src")
	if err := Scaffold(dir, "src", TemplateMinimal); err != nil {
		t.Fatalf("Scaffold: %v", err)
	}
	// Boot once so sessions.db exists.
	bootEnv(t, dir).Close()

	var bundle bytes.Buffer
	if err := Export(dir, &bundle, ExportOptions{}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	bundlePath := filepath.Join(t.TempDir(), "src.zip")
	if err := os.WriteFile(bundlePath, bundle.Bytes(), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "copy")
	if err := Import(bundlePath, dest); err != nil {
		t.Fatalf("Import: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "objects", "assistant.md")); err != nil {
		t.Fatalf("missing object after import: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "sessions.db")); err == nil {
		t.Fatal("sessions.db must be excluded by default")
	}

	env := bootEnv(t, dest)
	if env.Registry.Get("assistant") == nil {
		t.Fatal("imported environment did not boot")
	}
}

func TestExportIncludeSessions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "src")
	if err := Scaffold(dir, "src", TemplateMinimal); err != nil {
		t.Fatalf("Scaffold: %v", err)
	}
	bootEnv(t, dir).Close()

	var bundle bytes.Buffer
	if err := Export(dir, &bundle, ExportOptions{IncludeSessions: true}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	bundlePath := filepath.Join(t.TempDir(), "src.zip")
	if err := os.WriteFile(bundlePath, bundle.Bytes(), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "copy")
	if err := Import(bundlePath, dest); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "sessions.db")); err != nil {
		t.Fatalf("sessions.db missing: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatchReloadsObjects(t *testing.T) {
	dir := t.TempDir()
	objectPath := filepath.Join(dir, "objects", "greeter.md")
	writeFile(t, objectPath, greeterSource)

	env := bootEnv(t, dir)
	if err := env.Watch(context.Background()); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Edit swaps the definition in place.
	writeFile(t, objectPath, `---
name: greeter
description: Greets briskly
---
You greet briskly.
`)
	waitFor(t, "reload", func() bool {
		po, ok := env.Registry.Get("greeter").(*engine.PromptObject)
		return ok && po.Body() == "You greet briskly."
	})

	// A new file registers a new PO.
	writeFile(t, filepath.Join(dir, "objects", "helper.md"), `---
name: helper
---
You help.
`)
	waitFor(t, "register", func() bool {
		return env.Registry.Has("helper")
	})

	// Removing the file unregisters.
	if err := os.Remove(objectPath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, "unregister", func() bool {
		return !env.Registry.Has("greeter")
	})
}
