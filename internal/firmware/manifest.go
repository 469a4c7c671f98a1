package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrNoIndex = errors.New("firmware: no release index configured")

// IndexClient fetches the release index, a YAML document of the form
//
//	releases:
//	  - version: 1.4.2
//	    url: https://example.org/holter-1.4.2.bin
//	    sha256: ...
type IndexClient struct {
	url        string
	httpClient *http.Client
}

// NewIndexClient creates a client for the index at url.
func NewIndexClient(url string) *IndexClient {
	return &IndexClient{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type indexDocument struct {
	Releases []Release `yaml:"releases"`
}

// Releases returns all published releases, newest first.
func (c *IndexClient) Releases(ctx context.Context) ([]Release, error) {
	if c.url == "" {
		return nil, ErrNoIndex
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("release index returned %d: %s", resp.StatusCode, string(body))
	}

	var doc indexDocument
	if err := yaml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse release index: %w", err)
	}

	releases := doc.Releases[:0]
	for _, r := range doc.Releases {
		if r.Version == "" || r.URL == "" {
			continue
		}
		releases = append(releases, r)
	}
	sort.SliceStable(releases, func(i, j int) bool {
		return releases[i].Created.After(releases[j].Created)
	})
	return releases, nil
}

// Latest returns the most recently created release.
func (c *IndexClient) Latest(ctx context.Context) (*Release, error) {
	releases, err := c.Releases(ctx)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("no firmware releases found")
	}
	return &releases[0], nil
}

// Find returns the release with the given version.
func (c *IndexClient) Find(ctx context.Context, version string) (*Release, error) {
	releases, err := c.Releases(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range releases {
		if r.Version == version {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("version %s not found", version)
}
