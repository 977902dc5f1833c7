// Package daemon wires the long-running delay guard process together.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/store"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 2 * time.Second

// Reconciler restores a document from the cached copy.
type Reconciler interface {
	Reconcile(doc store.Document) error
}

// DocumentWatcher notices edits, deletions and replacements of the persisted
// documents and puts the cached copy back once writes settle.
// Our own atomic writes also fire events; Reconcile is a no-op for those.
type DocumentWatcher struct {
	dir        string
	reconciler Reconciler
	debounce   time.Duration
	logger     *zap.Logger
}

// NewDocumentWatcher creates a watcher for the documents under dir.
func NewDocumentWatcher(dir string, reconciler Reconciler, debounce time.Duration, logger *zap.Logger) *DocumentWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentWatcher{dir: dir, reconciler: reconciler, debounce: debounce, logger: logger}
}

// Run watches until ctx is cancelled.
func (w *DocumentWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create document watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory: atomic replacement swaps the file's inode, which
	// would silently end a watch on the file itself.
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching documents", zap.String("dir", w.dir))

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	pending := make(map[store.Document]bool)
	for {
		select {
		case <-ctx.Done():
			return nil

		case e, ok := <-fw.Events:
			if !ok {
				return nil
			}
			doc, ok := documentFor(e.Name)
			if !ok || e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
				continue
			}
			pending[doc] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			for doc := range pending {
				if err := w.reconciler.Reconcile(doc); err != nil {
					w.logger.Error("failed to restore document", zap.String("document", doc.String()), zap.Error(err))
				}
			}
			clear(pending)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("document watcher error", zap.Error(err))
		}
	}
}

func documentFor(path string) (store.Document, bool) {
	base := filepath.Base(path)
	for _, doc := range store.Documents() {
		if base == doc.String() {
			return doc, true
		}
	}
	return "", false
}
