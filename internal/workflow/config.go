package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CharacterForge/internal/models"
)

// FileConfig is the optional YAML file that tunes the workflow at startup.
//
//	strict: true
//	timeouts:
//	  final-review: 45m
//	  awaiting-selection: 20m
//	system_state_max_wait: 30m
//	sweep_interval: 30s
//	retention: 24h
type FileConfig struct {
	Strict             bool                     `yaml:"strict"`
	Timeouts           map[string]time.Duration `yaml:"timeouts"`
	SystemStateMaxWait time.Duration            `yaml:"system_state_max_wait"`
	SweepInterval      time.Duration            `yaml:"sweep_interval"`
	Retention          time.Duration            `yaml:"retention"`
}

// LoadConfigFile reads a FileConfig from path.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a FileConfig from YAML. Unknown fields are rejected.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if cfg.SystemStateMaxWait < 0 || cfg.SweepInterval < 0 || cfg.Retention < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", ErrInvalidDefinition)
	}
	slog.Debug("workflow.ParseConfig: config decoded", "strict", cfg.Strict, "timeoutOverrides", len(cfg.Timeouts))
	return &cfg, nil
}

// Options converts the file into build options for NewDefinition.
func (c *FileConfig) Options() ([]Option, error) {
	opts := []Option{WithStrict(c.Strict)}
	for name, d := range c.Timeouts {
		s, ok := models.ParseState(name)
		if !ok {
			return nil, fmt.Errorf("%w: timeout override for unknown state %q", ErrInvalidDefinition, name)
		}
		opts = append(opts, WithTimeout(s, d))
	}
	return opts, nil
}
