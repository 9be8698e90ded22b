// Package daemonconfig loads taskdriverd's optional YAML config file,
// grounded on the teacher's internal/agents.LoadTeamsConfig (gopkg.in/yaml.v3
// decode of a small top-level struct), generalized from agent-roster
// config to daemon storage/port defaults.
package daemonconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional on-disk daemon configuration; every field has
// a flag-level default and is only consulted while the matching flag
// still holds that default.
type Config struct {
	Storage  string `yaml:"storage"`
	DataDir  string `yaml:"dataDir"`
	NATSURL  string `yaml:"natsUrl"`
	HTTPPort int    `yaml:"httpPort"`
	MCPPort  int    `yaml:"mcpPort"`
}

// Load reads and parses a YAML config file. A missing file is not an
// error; it simply yields a zero-value Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}
