// Package schema fetches the JSON schema describing a device's registers.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/device"
)

// maxSchemaSize bounds a fetched schema document.
const maxSchemaSize = 4 << 20

var ErrNoSchema = errors.New("schema: no schema source configured")

// Source yields the schema for a connected device.
type Source interface {
	Load(ctx context.Context, id device.Identity) ([]byte, error)
}

// Static is a Source that always returns the same document.
type Static []byte

func (s Static) Load(context.Context, device.Identity) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrNoSchema
	}
	return s, nil
}

// Loader reads a schema from a file path or an HTTP(S) URL. Fetched
// documents are cached per device so a later fetch failure can fall back
// to the last good copy.
type Loader struct {
	location   string
	cacheDir   string
	httpClient *http.Client
}

// NewLoader returns a Loader for location. cacheDir may be empty to disable
// caching.
func NewLoader(location, cacheDir string) *Loader {
	return &Loader{
		location: location,
		cacheDir: cacheDir,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// CachePath returns where the schema for id is cached.
func (l *Loader) CachePath(id device.Identity) string {
	name := fmt.Sprintf("%04x_%04x_%s", id.VendorID, id.ProductID, id.Serial)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	return filepath.Join(l.cacheDir, "schema", name+".json")
}

func (l *Loader) Load(ctx context.Context, id device.Identity) ([]byte, error) {
	if l.location == "" {
		return nil, ErrNoSchema
	}
	if !isURL(l.location) {
		data, err := os.ReadFile(l.location)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema: %w", err)
		}
		return data, nil
	}

	data, err := l.fetch(ctx)
	if err == nil {
		if l.cacheDir != "" {
			if cerr := l.store(id, data); cerr != nil {
				logrus.WithError(cerr).Warn("failed to cache schema")
			}
		}
		return data, nil
	}

	if l.cacheDir != "" {
		if cached, cerr := os.ReadFile(l.CachePath(id)); cerr == nil {
			logrus.WithError(err).WithField("device", id.String()).Warn("schema fetch failed, using cached copy")
			return cached, nil
		}
	}
	return nil, err
}

func (l *Loader) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("schema server returned %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSchemaSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	if len(data) > maxSchemaSize {
		return nil, fmt.Errorf("schema larger than %d bytes", maxSchemaSize)
	}
	if !json.Valid(data) {
		return nil, errors.New("schema is not valid JSON")
	}
	return data, nil
}

func (l *Loader) store(id device.Identity, data []byte) error {
	dest := l.CachePath(id)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
