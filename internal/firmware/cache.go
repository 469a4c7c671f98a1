// Package firmware keeps bootloader images on disk and fetches published
// releases.
package firmware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openbuttnakedgang/holter/internal/device"
)

var (
	ErrNotFound         = errors.New("firmware: image not in store")
	ErrChecksumMismatch = errors.New("firmware: checksum mismatch")
)

const imageExt = ".bin"

// Store manages firmware images under one directory.
type Store struct {
	baseDir    string
	httpClient *http.Client
}

// DefaultPath returns the image directory below cacheRoot.
func DefaultPath(cacheRoot string) string {
	return filepath.Join(cacheRoot, "firmware")
}

// NewStore creates a store at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create firmware directory: %w", err)
	}
	return &Store{baseDir: path, httpClient: http.DefaultClient}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.baseDir
}

// Path returns the file path for a version.
func (s *Store) Path(version string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(version)
	return filepath.Join(s.baseDir, "holter_"+safe+imageExt)
}

// Has reports whether version is stored and, when expected is set, matches it.
// A stored file with the wrong checksum is removed.
func (s *Store) Has(version, expected string) bool {
	path := s.Path(version)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if expected != "" {
		actual, err := fileSHA256(path)
		if err != nil || !strings.EqualFold(actual, expected) {
			os.Remove(path)
			return false
		}
	}
	return true
}

// Get returns the image bytes of version.
func (s *Store) Get(version string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(version))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	return data, err
}

// Fetch downloads r into the store unless a verified copy is present.
func (s *Store) Fetch(ctx context.Context, r Release, progress device.ProgressCallback) (Image, error) {
	if s.Has(r.Version, r.SHA256) {
		progress.Report(r.Size, r.Size, "using stored image")
		return s.stat(r.Version)
	}
	if r.URL == "" {
		return Image{}, fmt.Errorf("no download URL for version %s", r.Version)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return Image{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("download returned %d", resp.StatusCode)
	}

	total := r.Size
	if total == 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	src := &progressReader{r: resp.Body, total: total, progress: progress}
	return s.write(r.Version, src, r.SHA256)
}

// Save stores data as version, replacing any previous image.
func (s *Store) Save(version string, data []byte) (Image, error) {
	return s.write(version, bytes.NewReader(data), "")
}

// ImportFile copies a local file into the store, named after the file.
func (s *Store) ImportFile(srcPath string) (Image, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return Image{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	base := filepath.Base(srcPath)
	version := strings.TrimSuffix(base, filepath.Ext(base))
	return s.write(version, f, "")
}

// write streams src to a temporary file, verifies it and moves it into place.
func (s *Store) write(version string, src io.Reader, expected string) (Image, error) {
	dest := s.Path(version)
	tmp := dest + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return Image{}, fmt.Errorf("failed to create image file: %w", err)
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), src)
	f.Close()
	if err != nil {
		os.Remove(tmp)
		return Image{}, fmt.Errorf("failed to write image: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if expected != "" && !strings.EqualFold(sum, expected) {
		os.Remove(tmp)
		return Image{}, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, sum)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return Image{}, fmt.Errorf("failed to finalize image: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return Image{}, err
	}
	return Image{Path: dest, Version: version, Size: size, SHA256: sum, Modified: info.ModTime()}, nil
}

func (s *Store) stat(version string) (Image, error) {
	path := s.Path(version)
	info, err := os.Stat(path)
	if err != nil {
		return Image{}, err
	}
	sum, err := fileSHA256(path)
	if err != nil {
		return Image{}, err
	}
	return Image{Path: path, Version: version, Size: info.Size(), SHA256: sum, Modified: info.ModTime()}, nil
}

// List returns all stored images, newest first.
func (s *Store) List() ([]Image, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var result []Image
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "holter_") || !strings.HasSuffix(name, imageExt) {
			continue
		}
		img, err := s.stat(strings.TrimSuffix(strings.TrimPrefix(name, "holter_"), imageExt))
		if err != nil {
			continue
		}
		result = append(result, img)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Modified.After(result[j].Modified)
	})
	return result, nil
}

// Remove deletes a stored version. Removing a missing version is not an error.
func (s *Store) Remove(version string) error {
	err := os.Remove(s.Path(version))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type progressReader struct {
	r        io.Reader
	read     int64
	total    int64
	progress device.ProgressCallback
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.progress.Report(p.read, p.total, "downloading firmware")
	}
	return n, err
}
