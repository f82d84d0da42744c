package config

import (
	"errors"
	"os"

	"github.com/goccy/go-yaml"
)

// TunablesYAML is the optional file named by USERSYNC_CONFIG. Environment
// variables override anything set here.
type TunablesYAML struct {
	Session struct {
		IdleTimeout      string `yaml:"idle_timeout"`
		LockTTL          string `yaml:"lock_ttl"`
		CacheTTL         string `yaml:"cache_ttl"`
		SweepInterval    string `yaml:"sweep_interval"`
		WorkDir          string `yaml:"work_dir"`
		RevalidateCached *bool  `yaml:"revalidate_cached"`
	} `yaml:"session"`
	Retry struct {
		Attempts     int    `yaml:"attempts"`
		InitialDelay string `yaml:"initial_delay"`
		MaxDelay     string `yaml:"max_delay"`
	} `yaml:"retry"`
}

// loadTunablesYAML reads path. An empty path yields zero tunables.
func (l *Loader) loadTunablesYAML(path string) *TunablesYAML {
	var cfg TunablesYAML
	if path == "" {
		return &cfg
	}

	yamlData, err := os.ReadFile(path)
	if err != nil {
		l.fail(errors.New("failed to read " + path + ": " + err.Error()))
		return &cfg
	}
	if err := yaml.Unmarshal(yamlData, &cfg); err != nil {
		l.fail(errors.New("failed to parse " + path + ": " + err.Error()))
		return &TunablesYAML{}
	}
	return &cfg
}
