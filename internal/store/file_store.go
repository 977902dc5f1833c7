// Package store persists the preference and block-data documents.
//
// FileStore owns durability: atomic writes and salvage of corrupted files.
// Cache sits in front of it and owns the in-memory copy of each document.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/metrics"
)

// Document names one of the persisted JSON files.
type Document string

const (
	Preferences Document = "savedPreferences.json"
	BlockData   Document = "blockData.json"
)

// Documents lists every persisted document.
func Documents() []Document {
	return []Document{Preferences, BlockData}
}

func (d Document) String() string { return string(d) }

// Map is a decoded document. Numbers are json.Number so that unknown keys
// survive a read-modify-write unchanged.
type Map = map[string]any

// FileStore implements atomic, corruption-tolerant JSON persistence.
// Every read and write of both documents is serialized behind one mutex.
type FileStore struct {
	dir     string
	mu      sync.Mutex
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewFileStore creates a store rooted at dir. The directory is created lazily.
func NewFileStore(dir string, logger *zap.Logger, m *metrics.Metrics) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		dir:     dir,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Dir returns the directory holding the documents.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the on-disk path of doc.
func (s *FileStore) Path(doc Document) string {
	return filepath.Join(s.dir, string(doc))
}

// Read returns the document content. A missing file reads as empty and a
// corrupted file is salvaged or reset after its bytes are archived. Any other
// read failure (permissions, a directory in the file's place, a sharing
// violation) is returned so the caller does not mistake it for an empty
// document.
func (s *FileStore) Read(doc Document) (Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(doc)
}

// Write atomically replaces the document with m.
func (s *FileStore) Write(doc Document, m Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(doc, m)
}

func (s *FileStore) readLocked(doc Document) (Map, error) {
	path := s.Path(doc)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Map{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", doc, err)
	}

	m, err := decode(data)
	if err == nil {
		return m, nil
	}

	s.logger.Warn("document corrupted, attempting salvage",
		zap.String("document", doc.String()),
		zap.Error(err))

	salvaged, ok := salvage(data)
	if backupErr := s.backupCorrupted(path, data); backupErr != nil {
		s.logger.Error("failed to archive corrupted document",
			zap.String("document", doc.String()),
			zap.Error(backupErr))
	}

	if !ok {
		s.metrics.StoreRecovered(doc.String(), "reset")
		s.logger.Warn("no salvage possible, document reset to empty",
			zap.String("document", doc.String()))
		return Map{}, nil
	}

	if err := s.writeLocked(doc, salvaged); err != nil {
		s.logger.Error("failed to persist salvaged document",
			zap.String("document", doc.String()),
			zap.Error(err))
	}
	s.metrics.StoreRecovered(doc.String(), "salvaged")
	s.logger.Info("document salvaged", zap.String("document", doc.String()))
	return salvaged, nil
}

// readStrict reads doc without salvaging. Used by reconciliation to learn
// whether the disk copy is absent or unreadable.
func (s *FileStore) readStrict(doc Document) (Map, []byte, error) {
	data, err := os.ReadFile(s.Path(doc))
	if err != nil {
		return nil, nil, err
	}
	m, err := decode(data)
	if err != nil {
		return nil, data, err
	}
	return m, data, nil
}

func (s *FileStore) writeLocked(doc Document, m Map) error {
	if m == nil {
		m = Map{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", doc, err)
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.dir, "."+string(doc)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path(doc)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", doc, err)
	}

	success = true
	return nil
}

// backupCorrupted archives raw bytes next to the document as
// "<name>.corrupt.<epoch-ms>".
func (s *FileStore) backupCorrupted(path string, data []byte) error {
	backup := path + ".corrupt." + strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := os.WriteFile(backup, data, 0600); err != nil {
		return err
	}
	s.logger.Info("archived corrupted document", zap.String("backup", backup))
	return nil
}

func decode(data []byte) (Map, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m Map
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data[dec.InputOffset():])) > 0 {
		return nil, errors.New("unexpected content after top-level object")
	}
	if m == nil {
		return nil, errors.New("document is not an object")
	}
	return m, nil
}

// salvage re-parses the span between the first '{' and the last '}'.
func salvage(data []byte) (Map, bool) {
	first := bytes.IndexByte(data, '{')
	last := bytes.LastIndexByte(data, '}')
	if first < 0 || last <= first {
		return nil, false
	}
	m, err := decode(data[first : last+1])
	if err != nil {
		return nil, false
	}
	return m, true
}
