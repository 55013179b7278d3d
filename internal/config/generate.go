package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/switchboard-rt/switchboard/internal/tools"

	"gopkg.in/yaml.v3"
)

// GenerateConfigFile writes a minimal config file to start with.
func GenerateConfigFile(f string) error {
	if tools.FileExists(f) {
		return fmt.Errorf("output config file already exists: %s", f)
	}
	conf := map[string]any{
		"log": map[string]any{
			"level": "info",
		},
		"broker": map[string]any{
			"type": "memory",
		},
		"health": map[string]any{
			"enabled": true,
		},
	}
	var data []byte
	var err error
	switch ext := filepath.Ext(f); ext {
	case ".json":
		data, err = json.MarshalIndent(conf, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(conf)
	default:
		return fmt.Errorf("unsupported config file extension: %s", ext)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(f, data, 0644)
}

// ValidateConfigFile reads a config file and validates the result.
func ValidateConfigFile(f string) error {
	if !tools.FileExists(f) {
		return fmt.Errorf("config file does not exist: %s", f)
	}
	cfg, _, err := GetConfig(nil, f)
	if err != nil {
		return err
	}
	return cfg.Validate()
}
