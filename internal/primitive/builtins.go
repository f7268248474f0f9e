package primitive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/promptobjects/promptobjects/internal/capability"
)

// httpGetBodyLimit bounds the response body returned to the LLM.
const httpGetBodyLimit = 1 << 20

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Builtins returns the shipped primitives. File primitives resolve paths
// relative to root and refuse to escape it.
func Builtins(root string) []*Primitive {
	return []*Primitive{
		NewNative("read_file", "Read the contents of a file",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Path to the file, relative to the environment root"}
				},
				"required": ["path"]
			}`),
			func(ctx context.Context, inv *capability.Invocation) (string, error) {
				path, err := resolvePath(root, pathArg(inv))
				if err != nil {
					return "", err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return "", fmt.Errorf("read file: %w", err)
				}
				return string(data), nil
			}),

		NewNative("write_file", "Write content to a file, creating it if needed",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Path to the file, relative to the environment root"},
					"content": {"type": "string", "description": "Content to write"}
				},
				"required": ["path", "content"]
			}`),
			func(ctx context.Context, inv *capability.Invocation) (string, error) {
				path, err := resolvePath(root, pathArg(inv))
				if err != nil {
					return "", err
				}
				content := inv.String("content")
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return "", fmt.Errorf("create parent dir: %w", err)
				}
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return "", fmt.Errorf("write file: %w", err)
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(content), pathArg(inv)), nil
			}),

		NewNative("list_files", "List files and directories at a path",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Directory to list, relative to the environment root"}
				}
			}`),
			func(ctx context.Context, inv *capability.Invocation) (string, error) {
				arg := pathArg(inv)
				if arg == "" {
					arg = "."
				}
				path, err := resolvePath(root, arg)
				if err != nil {
					return "", err
				}
				entries, err := os.ReadDir(path)
				if err != nil {
					return "", fmt.Errorf("list files: %w", err)
				}
				names := make([]string, 0, len(entries))
				for _, entry := range entries {
					name := entry.Name()
					if entry.IsDir() {
						name += "/"
					}
					names = append(names, name)
				}
				sort.Strings(names)
				if len(names) == 0 {
					return "(empty directory)", nil
				}
				return strings.Join(names, "\n"), nil
			}),

		NewNative("http_get", "Fetch a URL with an HTTP GET request",
			json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {"type": "string", "description": "URL to fetch"}
				},
				"required": ["url"]
			}`),
			func(ctx context.Context, inv *capability.Invocation) (string, error) {
				url := inv.String("url")
				if url == "" {
					url = inv.Message
				}
				if url == "" {
					return "", fmt.Errorf("http_get: url is required")
				}
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				if err != nil {
					return "", fmt.Errorf("http_get: %w", err)
				}
				resp, err := httpClient.Do(req)
				if err != nil {
					return "", fmt.Errorf("http_get: %w", err)
				}
				defer resp.Body.Close()
				body, err := io.ReadAll(io.LimitReader(resp.Body, httpGetBodyLimit))
				if err != nil {
					return "", fmt.Errorf("http_get: read body: %w", err)
				}
				if resp.StatusCode >= 400 {
					return "", fmt.Errorf("http_get: %s returned %s", url, resp.Status)
				}
				return string(body), nil
			}),
	}
}

// pathArg reads the path argument, falling back to a bare-string message.
func pathArg(inv *capability.Invocation) string {
	if p := inv.String("path"); p != "" {
		return p
	}
	return inv.Message
}

// resolvePath joins a user-supplied path to the environment root and refuses
// paths that escape it.
func resolvePath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	joined := filepath.Join(root, path)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the environment root", path)
	}
	return joined, nil
}
