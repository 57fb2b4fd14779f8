package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 100 * time.Millisecond

// KeywordWatcher reloads keyword tables into a classifier when the YAML file
// changes. A file that fails to load leaves the previous tables in place.
type KeywordWatcher struct {
	path       string
	classifier *KeywordClassifier
	watcher    *fsnotify.Watcher
	logger     *slog.Logger
	debounce   time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func NewKeywordWatcher(path string, classifier *KeywordClassifier, logger *slog.Logger) (*KeywordWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory so editors that replace the file by rename are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return &KeywordWatcher{
		path:       filepath.Clean(path),
		classifier: classifier,
		watcher:    w,
		logger:     logger.With("component", "keyword_watcher", "path", path),
		debounce:   defaultReloadDebounce,
	}, nil
}

// Run blocks until ctx is done, then closes the underlying watcher.
func (w *KeywordWatcher) Run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	}()

	w.logger.Info("keyword watcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("keyword watcher error", "error", err)
		}
	}
}

func (w *KeywordWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { _ = w.Reload() })
}

// Reload loads the file now and swaps the tables on success.
func (w *KeywordWatcher) Reload() error {
	tables, err := LoadKeywordFile(w.path)
	if err != nil {
		w.logger.Error("keyword reload failed, keeping previous tables", "error", err)
		return err
	}
	w.classifier.SetTables(tables)
	w.logger.Info("keyword tables reloaded",
		"personal_information", len(tables.PersonalInformation),
		"compliance", len(tables.Compliance),
		"privacy", len(tables.Privacy),
	)
	return nil
}
