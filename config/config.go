package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// UnnamedCluster is the sentinel cluster name meaning "no persistence":
// replicas stored under it are never reused across restarts.
const UnnamedCluster = "__unnamed__"

// ServerConfig holds server-specific configurations.
type ServerConfig struct {
	TCPPort int `yaml:"tcp_port"`
}

// BackupConfig holds the backup engine configuration.
type BackupConfig struct {
	NumSegmentFrames    int    `yaml:"num_segment_frames"`
	SegmentSizeBytes    int    `yaml:"segment_size_bytes"`
	InMemory            bool   `yaml:"in_memory"`
	File                string `yaml:"file"`
	DataDir             string `yaml:"data_dir"`
	ClusterName         string `yaml:"cluster_name"`
	GC                  bool   `yaml:"gc"`
	MaxRecoveryBuilders int    `yaml:"max_recovery_builders"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backup  BackupConfig  `yaml:"backup"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// Load reads configuration from an io.Reader, overlaying defaults.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			TCPPort: 50053,
		},
		Backup: BackupConfig{
			NumSegmentFrames:    512,
			SegmentSizeBytes:    8 * 1024 * 1024, // 8 MiB
			InMemory:            false,
			File:                "",
			DataDir:             "./data",
			ClusterName:         UnnamedCluster,
			GC:                  true,
			MaxRecoveryBuilders: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusback.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Backup.NumSegmentFrames < 1 {
		return fmt.Errorf("backup.num_segment_frames must be >= 1, got %d", c.Backup.NumSegmentFrames)
	}
	if c.Backup.SegmentSizeBytes <= 0 {
		return fmt.Errorf("backup.segment_size_bytes must be positive, got %d", c.Backup.SegmentSizeBytes)
	}
	if c.Backup.MaxRecoveryBuilders < 1 {
		return fmt.Errorf("backup.max_recovery_builders must be >= 1, got %d", c.Backup.MaxRecoveryBuilders)
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
