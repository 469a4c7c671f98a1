package firmware

import "time"

// Release is a published bootloader image listed in the release index.
type Release struct {
	Version string    `yaml:"version"`
	Created time.Time `yaml:"created"`
	Size    int64     `yaml:"size"`
	SHA256  string    `yaml:"sha256"`
	URL     string    `yaml:"url"`
	Notes   string    `yaml:"notes,omitempty"`
}

// Image is a firmware file held in the local store.
type Image struct {
	Path     string
	Version  string
	Size     int64
	SHA256   string
	Modified time.Time
}
