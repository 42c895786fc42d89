package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watcher waits after the last change before
// reloading.
const DefaultDebounce = 100 * time.Millisecond

// Watcher watches a single file and invokes a callback after it changes.
// Bursts of events, as produced by editors that write through a temporary
// file and rename it, collapse into one callback.
type Watcher struct {
	path     string
	debounce time.Duration
	onError  func(error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a reload. Defaults to DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithErrorHandler receives errors reported by the file system watcher and
// errors returned by the reload callback. By default they are dropped.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a Watcher for path.
func NewWatcher(path string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		onError:  func(error) {},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch blocks until ctx is done, calling onChange after every settled
// change of the file. The parent directory is watched so that the file may
// be replaced atomically.
func (w *Watcher) Watch(ctx context.Context, onChange func(context.Context) error) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.path, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
		wg    sync.WaitGroup
		run   sync.Mutex // serializes onChange
	)
	defer func() {
		mu.Lock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		mu.Unlock()
		wg.Wait()
	}()

	fire := func() {
		defer wg.Done()
		run.Lock()
		defer run.Unlock()
		if err := onChange(ctx); err != nil {
			w.onError(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			mu.Lock()
			if timer == nil || !timer.Stop() {
				wg.Add(1)
			}
			timer = time.AfterFunc(w.debounce, fire)
			mu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.onError(err)
		}
	}
}
