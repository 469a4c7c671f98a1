// Package store archives downloaded recordings by content hash.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openbuttnakedgang/holter/internal/block"
)

// ErrNotFound is returned when a hash reference matches no recording.
var ErrNotFound = errors.New("store: recording not found")

// Store manages a content-addressable collection of recordings.
type Store struct {
	baseDir       string
	recordingsDir string
	metadataDir   string
	indexPath     string
	blockSize     int
}

// Index contains quick lookup information for all recordings.
type Index struct {
	Recordings map[string]IndexEntry `json:"recordings"` // hash -> entry
	UpdatedAt  time.Time             `json:"updated_at"`
}

// IndexEntry contains summary info for quick listing.
type IndexEntry struct {
	Hash      string    `json:"hash"`
	Device    string    `json:"device,omitempty"`
	Blocks    int       `json:"blocks"`
	Invalid   int       `json:"invalid_blocks"`
	Events    int       `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultPath returns the archive directory below cacheRoot.
func DefaultPath(cacheRoot string) string {
	return filepath.Join(cacheRoot, "recordings")
}

// Open opens or creates a store at the given path.
func Open(path string, blockSize int) (*Store, error) {
	if blockSize <= 0 {
		blockSize = block.Size
	}
	s := &Store{
		baseDir:       path,
		recordingsDir: filepath.Join(path, "data"),
		metadataDir:   filepath.Join(path, "metadata"),
		indexPath:     filepath.Join(path, "index.json"),
		blockSize:     blockSize,
	}

	if err := os.MkdirAll(s.recordingsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings dir: %w", err)
	}
	if err := os.MkdirAll(s.metadataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata dir: %w", err)
	}
	return s, nil
}

// Import adds a recording to the store.
// If the recording already exists (same hash), its sources are extended.
// Returns the hash and whether it was new.
func (s *Store) Import(data []byte, source Source) (string, bool, error) {
	hash := ContentHash(data)
	dataPath := filepath.Join(s.recordingsDir, hashToFilename(hash)+".bin")
	metaPath := filepath.Join(s.metadataDir, hashToFilename(hash)+".json")

	isNew := false
	var meta *Metadata

	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		isNew = true
		meta = ExtractMetadata(data, s.blockSize, hash)
		meta.Sources = []Source{source}

		if err := os.WriteFile(dataPath, data, 0644); err != nil {
			return "", false, fmt.Errorf("failed to write recording: %w", err)
		}
	} else {
		existing, err := s.GetMetadata(hash)
		if err != nil {
			return "", false, fmt.Errorf("failed to read metadata: %w", err)
		}
		meta = existing
		meta.Sources = append(meta.Sources, source)
		meta.UpdatedAt = time.Now()
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0644); err != nil {
		return "", false, fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := s.updateIndex(hash, meta); err != nil {
		return "", false, fmt.Errorf("failed to update index: %w", err)
	}
	return hash, isNew, nil
}

// Get retrieves recording data by hash.
func (s *Store) Get(hash string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.recordingsDir, hashToFilename(hash)+".bin"))
}

// GetMetadata retrieves recording metadata by hash.
func (s *Store) GetMetadata(hash string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.metadataDir, hashToFilename(hash)+".json"))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// List returns all recordings, newest first.
func (s *Store) List() ([]IndexEntry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index.Recordings))
	for _, entry := range index.Recordings {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Export writes a recording to a file.
func (s *Store) Export(hash, destPath string) error {
	data, err := s.Get(hash)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0644)
}

func (s *Store) loadIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return &Index{Recordings: make(map[string]IndexEntry)}, nil
	}
	if err != nil {
		return nil, err
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	if index.Recordings == nil {
		index.Recordings = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) updateIndex(hash string, meta *Metadata) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	var dev string
	if len(meta.Sources) > 0 {
		dev = meta.Sources[0].Device
	}
	index.Recordings[hash] = IndexEntry{
		Hash:      hash,
		Device:    dev,
		Blocks:    meta.Blocks,
		Invalid:   meta.Invalid,
		Events:    meta.Events,
		CreatedAt: meta.CreatedAt,
	}
	index.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0644)
}

// Resolve expands a full hash, a bare hex digest or a unique prefix of one
// to the stored hash.
func (s *Store) Resolve(ref string) (string, error) {
	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	want := hashToFilename(ref)
	var match string
	for hash := range index.Recordings {
		if !strings.HasPrefix(hashToFilename(hash), want) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("%w: %q matches more than one recording", ErrNotFound, ref)
		}
		match = hash
	}
	if match == "" || want == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return match, nil
}
