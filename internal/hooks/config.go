package hooks

import (
	"fmt"
	"time"
)

// Config captures hook settings loaded from INI files and the environment.
type Config struct {
	Enabled    bool              `json:"enabled"`
	ScriptPath string            `json:"script_path"`
	ScriptArgs []string          `json:"script_args"`
	Env        map[string]string `json:"env"`
	Timeout    time.Duration     `json:"timeout"`
}

// Validate ensures the configuration is coherent before we wire handlers.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("hooks: script_path required when enabled")
	}
	return nil
}

// BuildScriptHandler constructs the handler declared in Config.
func (c Config) BuildScriptHandler() Handler {
	if !c.Enabled {
		return nil
	}
	return NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	})
}
