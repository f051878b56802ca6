// Package database stores the download history: one entry per saved file, keyed by content hash.
package database

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go-kemono-download/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

const hashKeyPrefix = "hash_"

var gzipMagicBytes = []byte{0x1f, 0x8b}

// DB wraps the bitcask database instance. Values are stored gzip-compressed.
type DB struct {
	db *bitcask.Bitcask
	sync.RWMutex
}

func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dbInstance, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Debugf("History database opened at %s", path)
	return &DB{db: dbInstance}, nil
}

func (d *DB) Close() error {
	d.Lock()
	defer d.Unlock()
	return d.db.Close()
}

func (d *DB) Has(key []byte) bool {
	d.RLock()
	defer d.RUnlock()
	return d.db.Has(key)
}

// Get retrieves the value stored under key, decompressing it if needed.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.RLock()
	value, err := d.db.Get(key)
	d.RUnlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}
	return decompressIfGzipped(value)
}

func (d *DB) Put(key []byte, value []byte) error {
	compressed, err := compressGzip(value, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}
	d.Lock()
	err = d.db.Put(key, compressed)
	d.Unlock()
	if err != nil {
		return fmt.Errorf("error putting key %s: %w", string(key), err)
	}
	return nil
}

func (d *DB) Delete(key []byte) error {
	d.Lock()
	err := d.db.Delete(key)
	d.Unlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// Fold calls fn with every key and its decompressed value while holding the read lock.
// fn must not call back into d.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	d.RLock()
	defer d.RUnlock()

	return d.db.Fold(func(key []byte) error {
		raw, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: error getting value for key %s", string(key))
			return nil
		}
		value, err := decompressIfGzipped(raw)
		if err != nil {
			log.WithError(err).Warnf("Fold: error decompressing value for key %s", string(key))
			return nil
		}
		return fn(key, value)
	})
}

func (d *DB) Len() int {
	d.RLock()
	defer d.RUnlock()
	return d.db.Len()
}

// --- History ---

func hashKey(digest string) []byte {
	return []byte(hashKeyPrefix + strings.ToLower(digest))
}

// Record stores entry under its hash, replacing an earlier entry with the same content.
func (d *DB) Record(entry models.HistoryEntry) error {
	if entry.Hash == "" {
		return errors.New("cannot record history entry: empty hash")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error marshalling history entry for %s: %w", entry.Filename, err)
	}
	return d.Put(hashKey(entry.Hash), data)
}

// Lookup returns the entry recorded for digest, or ErrNotFound.
func (d *DB) Lookup(digest string) (models.HistoryEntry, error) {
	var entry models.HistoryEntry
	data, err := d.Get(hashKey(digest))
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("error decoding history entry %s: %w", digest, err)
	}
	return entry, nil
}

// Entries returns every history entry. Undecodable values are skipped with a warning.
func (d *DB) Entries() ([]models.HistoryEntry, error) {
	var out []models.HistoryEntry
	err := d.Fold(func(key, value []byte) error {
		if !bytes.HasPrefix(key, []byte(hashKeyPrefix)) {
			return nil
		}
		var e models.HistoryEntry
		if err := json.Unmarshal(value, &e); err != nil {
			log.WithError(err).Warnf("Skipping undecodable history entry %s", string(key))
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// KnownHashes returns the digests of every recorded file.
func (d *DB) KnownHashes() ([]string, error) {
	var out []string
	err := d.Fold(func(key, _ []byte) error {
		if h, ok := strings.CutPrefix(string(key), hashKeyPrefix); ok {
			out = append(out, h)
		}
		return nil
	})
	return out, err
}

// Search returns entries whose filename, post title or folder contains term, case-insensitively.
func (d *DB) Search(term string) ([]models.HistoryEntry, error) {
	entries, err := d.Entries()
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(term)
	var out []models.HistoryEntry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Filename), term) ||
			strings.Contains(strings.ToLower(e.PostTitle), term) ||
			strings.Contains(strings.ToLower(e.Folder), term) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Prune deletes every entry for which drop returns true and reports how many were removed.
func (d *DB) Prune(drop func(models.HistoryEntry) bool) (int, error) {
	entries, err := d.Entries()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !drop(e) {
			continue
		}
		if err := d.Delete(hashKey(e.Hash)); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// --- Compression Helpers ---

func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gReader, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warn("Error creating gzip reader for value, returning raw data")
		return value, nil
	}
	defer gReader.Close()

	decompressed, err := io.ReadAll(gReader)
	if err != nil {
		log.WithError(err).Warn("Error decompressing value, returning raw data")
		return value, nil
	}
	return decompressed, nil
}

func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	if _, err := gWriter.Write(value); err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	if err := gWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}
	return buf.Bytes(), nil
}
