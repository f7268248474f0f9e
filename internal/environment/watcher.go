package environment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/engine"
	"github.com/promptobjects/promptobjects/internal/loader"
)

const defaultDebounce = 200 * time.Millisecond

type watcher struct {
	env      *Environment
	fsw      *fsnotify.Watcher
	debounce time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Watch hot-reloads prompt object files: edits swap the definition in place,
// new files register, removed files unregister. Editor rename-and-replace
// saves surface as Create or Rename events, so all four ops trigger a sweep.
func (e *Environment) Watch(ctx context.Context) error {
	if e.watcher != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Join(e.Path, objectsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fsw.Close()
		return err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &watcher{env: e, fsw: fsw, debounce: defaultDebounce, cancel: cancel}
	e.watcher = w

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

func (w *watcher) stop() {
	w.cancel()
	_ = w.fsw.Close()
	w.wg.Wait()
}

func (w *watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.debounce)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.env.logger.Warn("object watch error", "error", err)
		case <-timerC:
			w.env.sweepObjects()
		}
	}
}

// sweepObjects reconciles the registry against objects/ on disk.
func (e *Environment) sweepObjects() {
	dir := filepath.Join(e.Path, objectsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		e.logger.Warn("object sweep failed", "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := loader.ParseFile(path)
		if err != nil {
			e.logger.Warn("skipping prompt object", "path", path, "error", err)
			continue
		}
		seen[def.Name] = true

		existing := e.Registry.Get(def.Name)
		switch po := existing.(type) {
		case *engine.PromptObject:
			po.Reload(def)
			e.logger.Info("prompt object reloaded", "name", def.Name)
		case nil:
			if err := e.Registry.Register(engine.NewPromptObject(e.Engine, def)); err != nil {
				e.logger.Warn("failed to register prompt object", "name", def.Name, "error", err)
				continue
			}
			e.logger.Info("prompt object registered", "name", def.Name)
		default:
			e.logger.Warn("name taken by non-PO capability", "name", def.Name)
		}
	}

	for _, cap := range e.Registry.List(capability.KindPO) {
		po, ok := cap.(*engine.PromptObject)
		if !ok || seen[po.Name()] {
			continue
		}
		// Only file-backed POs are removed on deletion; runtime-created POs
		// without a persisted file stay registered.
		if def := po.Definition(); def.Path != "" && !fileExists(def.Path) {
			e.Registry.Unregister(po.Name())
			e.logger.Info("prompt object unregistered", "name", po.Name())
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
