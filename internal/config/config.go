// Package config loads node settings from gswarm.yaml, GSWARM_ environment
// variables and built-in defaults, in increasing order of precedence:
// defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/danferreira/gswarm/internal/download"
	"github.com/danferreira/gswarm/internal/task"
	"github.com/danferreira/gswarm/internal/transport"
)

const (
	FileName  = "gswarm"
	EnvPrefix = "GSWARM"

	deviceIDFile = "device_id"
)

type Config struct {
	DeviceID string   `mapstructure:"device_id"`
	Listen   string   `mapstructure:"listen"`
	Peers    []string `mapstructure:"peers"`
	MaxPeers int      `mapstructure:"max_peers"`
	DataDir  string   `mapstructure:"data_dir"`
	Debug    bool     `mapstructure:"debug"`

	Download Download `mapstructure:"download"`
}

type Download struct {
	PartSize            int64         `mapstructure:"part_size"`
	ChunkSize           int64         `mapstructure:"chunk_size"`
	MaxPeerRequests     int           `mapstructure:"max_peer_requests"`
	Timeout             time.Duration `mapstructure:"timeout"`
	TimeoutsLimit       int           `mapstructure:"timeouts_limit"`
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	ResubscribeInterval time.Duration `mapstructure:"resubscribe_interval"`
	ResponseWindow      time.Duration `mapstructure:"response_window"`
	MaxVerifyFailures   int           `mapstructure:"max_verify_failures"`
	VerifyBackoff       time.Duration `mapstructure:"verify_backoff"`
	Compress            bool          `mapstructure:"compress"`
}

// Load reads file, or gswarm.yaml in the working directory when file is empty.
// A missing default file is not an error. The device id is taken from the
// config, then from the data directory, and generated and saved there as a
// last resort.
func Load(fs afero.Fs, file string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Debug("no config file found, using defaults")
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := c.resolveDeviceID(fs); err != nil {
		return nil, err
	}

	return &c, nil
}

func setDefaults(v *viper.Viper) {
	tc := task.NewDefaultConfig()
	dc := download.NewDefaultConfig()
	nc := transport.NewDefaultConfig()

	v.SetDefault("device_id", "")
	v.SetDefault("listen", ":7420")
	v.SetDefault("peers", []string{})
	v.SetDefault("max_peers", nc.MaxPeers)
	v.SetDefault("data_dir", "gswarm-data")
	v.SetDefault("debug", false)

	v.SetDefault("download.part_size", tc.PartSize)
	v.SetDefault("download.chunk_size", tc.ChunkSize)
	v.SetDefault("download.max_peer_requests", tc.MaxPeerRequests)
	v.SetDefault("download.timeout", tc.Timeout)
	v.SetDefault("download.timeouts_limit", tc.TimeoutsLimit)
	v.SetDefault("download.check_interval", tc.CheckInterval)
	v.SetDefault("download.resubscribe_interval", dc.ResubscribeInterval)
	v.SetDefault("download.response_window", dc.ResponseWindow)
	v.SetDefault("download.max_verify_failures", tc.MaxVerifyFailures)
	v.SetDefault("download.verify_backoff", tc.VerifyBackoff)
	v.SetDefault("download.compress", nc.Connection.Compress)
}

func (c *Config) resolveDeviceID(fs afero.Fs) error {
	if c.DeviceID != "" {
		if _, err := uuid.Parse(c.DeviceID); err != nil {
			return fmt.Errorf("invalid device_id %q: %w", c.DeviceID, err)
		}
		return nil
	}

	path := filepath.Join(c.DataDir, deviceIDFile)
	data, err := afero.ReadFile(fs, path)
	if err == nil {
		id, err := uuid.ParseBytes([]byte(strings.TrimSpace(string(data))))
		if err != nil {
			return fmt.Errorf("invalid device id in %s: %w", path, err)
		}
		c.DeviceID = id.String()
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	id := uuid.New()
	if err := fs.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", c.DataDir, err)
	}
	if err := afero.WriteFile(fs, path, []byte(id.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	slog.Info("generated device id", "device", id.String())
	c.DeviceID = id.String()
	return nil
}

func (c *Config) Device() uuid.UUID {
	return uuid.MustParse(c.DeviceID)
}

func (c *Config) IndexDir() string   { return filepath.Join(c.DataDir, "index") }
func (c *Config) PartialDir() string { return filepath.Join(c.DataDir, "partial") }
func (c *Config) ContentDir() string { return filepath.Join(c.DataDir, "content") }

func (c *Config) TaskConfig() task.Config {
	tc := task.NewDefaultConfig()
	tc.PartSize = c.Download.PartSize
	tc.ChunkSize = c.Download.ChunkSize
	tc.MaxPeerRequests = c.Download.MaxPeerRequests
	tc.Timeout = c.Download.Timeout
	tc.TimeoutsLimit = c.Download.TimeoutsLimit
	tc.CheckInterval = c.Download.CheckInterval
	tc.MaxVerifyFailures = c.Download.MaxVerifyFailures
	tc.VerifyBackoff = c.Download.VerifyBackoff
	return tc
}

func (c *Config) ManagerConfig() download.Config {
	dc := download.NewDefaultConfig()
	dc.Task = c.TaskConfig()
	dc.ResubscribeInterval = c.Download.ResubscribeInterval
	dc.ResponseWindow = c.Download.ResponseWindow
	return dc
}

func (c *Config) TransportConfig() transport.Config {
	nc := transport.NewDefaultConfig()
	nc.Listen = c.Listen
	nc.Peers = c.Peers
	nc.MaxPeers = c.MaxPeers
	nc.Connection.Compress = c.Download.Compress
	return nc
}

// Validate rejects settings the downloader cannot work with.
func (c *Config) Validate() error {
	d := c.Download
	switch {
	case d.ChunkSize <= 0:
		return errors.New("download.chunk_size must be positive")
	case d.PartSize < d.ChunkSize:
		return errors.New("download.part_size must be at least download.chunk_size")
	case d.PartSize%d.ChunkSize != 0:
		return errors.New("download.part_size must be a multiple of download.chunk_size")
	case d.MaxPeerRequests <= 0:
		return errors.New("download.max_peer_requests must be positive")
	case c.MaxPeers <= 0:
		return errors.New("max_peers must be positive")
	}
	return nil
}
