package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/lvdlvd/ext2cat/cmd"
	"github.com/lvdlvd/ext2cat/imagefile"
)

const (
	envVarPrefix = "EXT2CAT"
	appName      = "ext2cat"
)

type Config struct {
	LogLevel     string `envconfig:"EXT2CAT_LOG_LEVEL"      yaml:"logLevel"`
	LogFormat    string `envconfig:"EXT2CAT_LOG_FORMAT"     yaml:"logFormat"`
	Workers      int    `envconfig:"EXT2CAT_WORKERS"        yaml:"workers"`
	MaxImageSize int64  `envconfig:"EXT2CAT_MAX_IMAGE_SIZE" yaml:"maxImageSize"`
	Output       string `envconfig:"EXT2CAT_OUTPUT"         yaml:"output"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:     "info",
		LogFormat:    "text",
		Workers:      4,
		MaxImageSize: imagefile.DefaultMaxSize,
		Output:       string(cmd.FormatText),
	}
}

// configFile returns the config file to read and whether it was named
// explicitly. A missing default file is not an error.
func configFile(flagValue string) (string, bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if env := os.Getenv(envVarPrefix + "_CONFIG_FILE"); env != "" {
		return env, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(home, ".config", appName+".yaml"), false
}

// LoadConfig reads the yaml config file, if any, then applies EXT2CAT_*
// environment variables on top.
func LoadConfig(path string, required bool) (*Config, error) {
	c := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && !required:
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("unmarshaling config file %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}

	return &c, nil
}

func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("invalid configuration: logLevel / %s_LOG_LEVEL: %w", envVarPrefix, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid configuration: logFormat / %s_LOG_FORMAT: %q is not text or json", envVarPrefix, c.LogFormat)
	}
	if c.Workers < 1 {
		return fmt.Errorf("invalid configuration: workers / %s_WORKERS: must be at least 1", envVarPrefix)
	}
	if c.MaxImageSize < 1 {
		return fmt.Errorf("invalid configuration: maxImageSize / %s_MAX_IMAGE_SIZE: must be positive", envVarPrefix)
	}
	if _, err := cmd.ParseFormat(c.Output); err != nil {
		return fmt.Errorf("invalid configuration: output / %s_OUTPUT: %w", envVarPrefix, err)
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := c.Level()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
