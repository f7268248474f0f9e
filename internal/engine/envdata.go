package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/store"
	"github.com/promptobjects/promptobjects/pkg/models"
)

// rootThread resolves the env data scope for the calling turn: the root of
// the delegation tree the current session belongs to.
func (e *Engine) rootThread(ctx context.Context, inv *capability.Invocation) (string, error) {
	if inv.SessionID == "" {
		return "", fmt.Errorf("env data requires an active session")
	}
	root, err := e.store.ResolveRootThread(ctx, inv.SessionID)
	if err != nil {
		return "", fmt.Errorf("resolve root thread: %w", err)
	}
	return root, nil
}

func (e *Engine) storeEnvData(ctx context.Context, inv *capability.Invocation) string {
	root, err := e.rootThread(ctx, inv)
	if err != nil {
		return fail("%v", err)
	}
	key := inv.String("key")
	if key == "" {
		return fail("key is required")
	}
	value, ok := inv.Value("value")
	if !ok {
		return fail("value is required")
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fail("encode value: %v", err)
	}

	entry := &models.EnvDataEntry{
		RootThreadID:     root,
		Key:              key,
		ShortDescription: inv.String("short_description"),
		Value:            encoded,
		StoredBy:         inv.FromPO,
	}
	if err := e.store.StoreEnvData(ctx, entry); err != nil {
		return fail("%v", err)
	}
	e.bus.EnvDataChanged(root, key)
	return fmt.Sprintf("stored env data %q", key)
}

func (e *Engine) updateEnvData(ctx context.Context, inv *capability.Invocation) string {
	root, err := e.rootThread(ctx, inv)
	if err != nil {
		return fail("%v", err)
	}
	key := inv.String("key")
	if key == "" {
		return fail("key is required")
	}
	value, ok := inv.Value("value")
	if !ok {
		return fail("value is required")
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fail("encode value: %v", err)
	}

	entry := &models.EnvDataEntry{
		RootThreadID:     root,
		Key:              key,
		ShortDescription: inv.String("short_description"),
		Value:            encoded,
		StoredBy:         inv.FromPO,
	}
	updated, err := e.store.UpdateEnvData(ctx, entry)
	if err != nil {
		return fail("%v", err)
	}
	if !updated {
		return fail("env data key %q not found; use store_env_data to create it", key)
	}
	e.bus.EnvDataChanged(root, key)
	return fmt.Sprintf("updated env data %q", key)
}

func (e *Engine) deleteEnvData(ctx context.Context, inv *capability.Invocation) string {
	root, err := e.rootThread(ctx, inv)
	if err != nil {
		return fail("%v", err)
	}
	key := inv.String("key")
	deleted, err := e.store.DeleteEnvData(ctx, root, key)
	if err != nil {
		return fail("%v", err)
	}
	if !deleted {
		return fail("env data key %q not found", key)
	}
	e.bus.EnvDataChanged(root, key)
	return fmt.Sprintf("deleted env data %q", key)
}

func (e *Engine) getEnvData(ctx context.Context, inv *capability.Invocation) string {
	root, err := e.rootThread(ctx, inv)
	if err != nil {
		return fail("%v", err)
	}
	key := inv.String("key")
	entry, err := e.store.GetEnvData(ctx, root, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail("env data key %q not found", key)
		}
		return fail("%v", err)
	}
	return string(entry.Value)
}

func (e *Engine) listEnvData(ctx context.Context, inv *capability.Invocation) string {
	root, err := e.rootThread(ctx, inv)
	if err != nil {
		return fail("%v", err)
	}
	entries, err := e.store.ListEnvData(ctx, root)
	if err != nil {
		return fail("%v", err)
	}
	if len(entries) == 0 {
		return "(no env data)"
	}
	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "- %s: %s (stored by %s)\n", entry.Key, entry.ShortDescription, entry.StoredBy)
	}
	return strings.TrimRight(b.String(), "\n")
}
