package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/eliteGoblin/focusd/delay_guard/internal/metrics"
)

// ErrNoChange may be returned by an Update callback to skip the write.
var ErrNoChange = errors.New("no change")

// Cache is the last-known-good copy of each document.
//
// Lock order: entry.rmw -> FileStore.mu -> entry.mu. The cached copy is only
// replaced after the corresponding store write succeeded.
type Cache struct {
	store   *FileStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	loads   singleflight.Group

	mu      sync.Mutex
	entries map[Document]*cacheEntry
}

type cacheEntry struct {
	rmw sync.Mutex // serializes writers of this document

	mu     sync.RWMutex
	loaded bool
	data   Map
}

// NewCache creates an empty cache in front of store.
func NewCache(store *FileStore, logger *zap.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:   store,
		logger:  logger,
		metrics: m,
		entries: make(map[Document]*cacheEntry),
	}
}

// Store returns the backing file store.
func (c *Cache) Store() *FileStore {
	return c.store
}

func (c *Cache) entry(doc Document) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[doc]
	if !ok {
		e = &cacheEntry{}
		c.entries[doc] = e
	}
	return e
}

// Loaded reports whether doc has been read or written in this process.
func (c *Cache) Loaded(doc Document) bool {
	e := c.entry(doc)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loaded
}

// Get returns a private copy of the document, loading it on first access.
// If the document cannot be read it is returned empty and left unloaded, so
// the next access retries and reconciliation leaves the disk copy alone.
func (c *Cache) Get(doc Document) Map {
	m, err := c.Load(doc)
	if err != nil {
		c.logger.Warn("failed to load document",
			zap.String("document", doc.String()),
			zap.Error(err))
		return Map{}
	}
	return m
}

// Load is Get with the read failure surfaced.
func (c *Cache) Load(doc Document) (Map, error) {
	e := c.entry(doc)

	e.mu.RLock()
	if e.loaded {
		m := deepCopy(e.data)
		e.mu.RUnlock()
		return m, nil
	}
	e.mu.RUnlock()

	_, err, _ := c.loads.Do(string(doc), func() (any, error) {
		m, err := c.store.Read(doc)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		// A write may have landed while we were reading.
		if !e.loaded {
			e.data = m
			e.loaded = true
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return deepCopy(e.data), nil
}

// Put writes m through to disk and refreshes the cache.
func (c *Cache) Put(doc Document, m Map) error {
	e := c.entry(doc)
	e.rmw.Lock()
	defer e.rmw.Unlock()
	return c.put(doc, e, m)
}

// Update applies fn to a copy of the document and writes the result.
// Concurrent updates of the same document are serialized.
func (c *Cache) Update(doc Document, fn func(Map) error) error {
	e := c.entry(doc)
	e.rmw.Lock()
	defer e.rmw.Unlock()

	m, err := c.Load(doc)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	return c.put(doc, e, m)
}

func (c *Cache) put(doc Document, e *cacheEntry, m Map) error {
	normalized, err := normalize(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", doc, err)
	}
	if err := c.store.Write(doc, normalized); err != nil {
		return err
	}
	e.mu.Lock()
	e.data = normalized
	e.loaded = true
	e.mu.Unlock()
	return nil
}

// Reconcile rewrites the disk copy of doc from the cache when the file is
// missing, corrupted or different. Documents never loaded are skipped, and a
// file that cannot be read at all is reported rather than overwritten.
func (c *Cache) Reconcile(doc Document) error {
	e := c.entry(doc)
	e.rmw.Lock()
	defer e.rmw.Unlock()

	e.mu.RLock()
	loaded, cached := e.loaded, e.data
	e.mu.RUnlock()
	if !loaded {
		return nil
	}

	want, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to encode cached %s: %w", doc, err)
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	disk, raw, readErr := s.readStrict(doc)
	reason := ""
	switch {
	case readErr != nil && raw == nil:
		if !errors.Is(readErr, fs.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", doc, readErr)
		}
		reason = "missing"
	case readErr != nil:
		reason = "unreadable"
		if err := s.backupCorrupted(s.Path(doc), raw); err != nil {
			c.logger.Error("failed to archive unreadable document",
				zap.String("document", doc.String()),
				zap.Error(err))
		}
	default:
		got, err := json.Marshal(disk)
		if err == nil && bytes.Equal(got, want) {
			return nil
		}
		reason = "drifted"
	}

	if err := s.writeLocked(doc, cached); err != nil {
		return fmt.Errorf("failed to restore %s: %w", doc, err)
	}
	c.metrics.StoreRecovered(doc.String(), "resynced")
	c.logger.Info("document restored from cache",
		zap.String("document", doc.String()),
		zap.String("reason", reason))
	return nil
}

// ReconcileAll reconciles every document and joins the failures.
func (c *Cache) ReconcileAll() error {
	var errs []error
	for _, doc := range Documents() {
		if err := c.Reconcile(doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// normalize converts arbitrary Go values into the decoded-JSON shape the
// cache hands out (maps, slices, json.Number, string, bool, nil).
func normalize(m Map) (Map, error) {
	if m == nil {
		return Map{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func deepCopy(m Map) Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
