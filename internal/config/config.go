package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Verbose enables debug output when true
var Verbose bool

// Debugf prints debug messages when Verbose is true
func Debugf(format string, args ...any) {
	if Verbose {
		logrus.Debugf(format, args...)
	}
}

// Transport kinds accepted in Config.Transport.
const (
	TransportUSB = "usb"
	TransportBLE = "ble"
	TransportSim = "sim"
)

// Config is the on-disk configuration. Zero fields fall back to Default().
type Config struct {
	Transport string     `yaml:"transport"`
	USB       USBConfig  `yaml:"usb"`
	BLE       BLEConfig  `yaml:"ble"`
	Schema    string     `yaml:"schema"`
	CacheDir  string     `yaml:"cache_dir"`
	Strict    bool       `yaml:"strict"`
	Log       LogConfig  `yaml:"log"`
	Timeouts  Timeouts   `yaml:"timeouts"`
	Reconnect Backoff    `yaml:"reconnect"`
	DFU       DFUConfig  `yaml:"dfu"`
	Vis       VisConfig  `yaml:"vis"`
	File      FileConfig `yaml:"file"`
	Firmware  Firmware   `yaml:"firmware"`
}

type USBConfig struct {
	VendorID        uint16 `yaml:"vendor_id"`
	AppProductID    uint16 `yaml:"app_product_id"`
	LoaderProductID uint16 `yaml:"loader_product_id"`
	Interface       int    `yaml:"interface"`
	CmdOut          int    `yaml:"cmd_out"`
	CmdIn           int    `yaml:"cmd_in"`
	FileIn          int    `yaml:"file_in"`
	VisIn           int    `yaml:"vis_in"`
}

type BLEConfig struct {
	Name        string        `yaml:"name"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Timeouts bound individual transport calls.
type Timeouts struct {
	Command time.Duration `yaml:"command"`
	Sized   time.Duration `yaml:"sized"`
}

// Backoff controls connect retries.
type Backoff struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type DFUConfig struct {
	Interface     uint16 `yaml:"interface"`
	ManifestPolls int    `yaml:"manifest_polls"`
}

type VisConfig struct {
	Group     string `yaml:"group"`
	FrameSize int    `yaml:"frame_size"`
}

type FileConfig struct {
	Blocks          uint32 `yaml:"blocks"`
	BlockSize       int    `yaml:"block_size"`
	MaxTransferSize int    `yaml:"max_transfer_size"`
}

// Firmware locates published bootloader images.
type Firmware struct {
	IndexURL string `yaml:"index_url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transport: TransportUSB,
		USB: USBConfig{
			VendorID:        0x0483,
			AppProductID:    0xBABA,
			LoaderProductID: 0xDEDA,
			Interface:       0,
			CmdOut:          1,
			CmdIn:           1,
			FileIn:          2,
			VisIn:           3,
		},
		BLE: BLEConfig{
			Name:        "Holter",
			ScanTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Timeouts: Timeouts{
			Command: 5 * time.Second,
			Sized:   30 * time.Second,
		},
		Reconnect: Backoff{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     5 * time.Second,
			Jitter:       0.1,
			MaxAttempts:  5,
		},
		DFU:  DFUConfig{ManifestPolls: 50},
		Vis:  VisConfig{Group: "ECG", FrameSize: 0x800},
		File: FileConfig{BlockSize: 0x800, MaxTransferSize: 0x100000},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/holter/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "holter", "config.yaml"), nil
}

// DefaultCacheDir returns the cache root used for schemas and firmware images.
func DefaultCacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".cache")
	}
	return filepath.Join(dir, "holter"), nil
}

// Load reads the config at path. A missing file yields Default().
// An empty path means DefaultPath().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, nil
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		Debugf("no config at %s, using defaults", path)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportUSB, TransportBLE, TransportSim:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Timeouts.Command <= 0 || c.Timeouts.Sized <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.File.BlockSize <= 0 || c.File.MaxTransferSize < c.File.BlockSize {
		return errors.New("file.max_transfer_size must be at least file.block_size")
	}
	if c.Vis.FrameSize <= 0 {
		return errors.New("vis.frame_size must be positive")
	}
	return nil
}

// CachePath resolves the cache root, honouring CacheDir when set.
func (c Config) CachePath() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	return DefaultCacheDir()
}
