package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	userConfigDirName  = ".config"
	userConfigFileName = "config.json"
	repoConfigDirName  = "_rigs"
)

// Load resolves configuration by layering user defaults, workspace
// overrides, and explicit overrides (in that order) on top of the
// documented defaults. File parsing is JSON only.
func Load(workspaceRoot string, overrides map[string]any, warn func(string)) (Config, error) {
	userPath, err := userConfigPath()
	if err != nil {
		return Config{}, err
	}

	merged := map[string]any{}
	merged, err = mergeConfigLayer(merged, userPath, "user defaults")
	if err != nil {
		return Config{}, err
	}

	if workspaceRoot != "" {
		workspacePath := filepath.Join(workspaceRoot, repoConfigDirName, userConfigFileName)
		merged, err = mergeConfigLayer(merged, workspacePath, "workspace overrides")
		if err != nil {
			return Config{}, err
		}
	}

	if overrides != nil {
		merged = mergeConfigMaps(merged, overrides)
	}

	cfg, err := decodeConfig(merged)
	if err != nil {
		return Config{}, err
	}
	return ApplyDefaults(cfg, warn), nil
}

func userConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(homeDir, userConfigDirName, "rigs", userConfigFileName), nil
}

func mergeConfigLayer(base map[string]any, path, label string) (map[string]any, error) {
	layer, err := readConfigFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("load %s config %s: %w", label, path, err)
	}
	return mergeConfigMaps(base, layer), nil
}

func readConfigFile(path string) (map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.UseNumber()

	var data map[string]any
	if err := decoder.Decode(&data); err != nil {
		return nil, err
	}
	if err := ensureEOF(decoder); err != nil {
		return nil, err
	}
	if data == nil {
		return map[string]any{}, nil
	}
	return data, nil
}

func ensureEOF(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("invalid trailing content after JSON object")
}

func mergeConfigMaps(base, override map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	merged := cloneConfigMap(base)
	for key, value := range override {
		overrideMap, ok := value.(map[string]any)
		if !ok {
			merged[key] = value
			continue
		}
		if baseMap, ok := merged[key].(map[string]any); ok {
			merged[key] = mergeConfigMaps(baseMap, overrideMap)
			continue
		}
		merged[key] = cloneConfigMap(overrideMap)
	}
	return merged
}

func cloneConfigMap(values map[string]any) map[string]any {
	clone := make(map[string]any, len(values))
	for key, value := range values {
		if nested, ok := value.(map[string]any); ok {
			clone[key] = cloneConfigMap(nested)
			continue
		}
		clone[key] = value
	}
	return clone
}

// decodeConfig round-trips the merged map through JSON into Config, relying
// on the struct's own json tags rather than a hand-rolled per-field walk.
func decodeConfig(raw map[string]any) (Config, error) {
	// A bool left out of the document cannot be told apart from an explicit
	// false after decoding, so WALMode starts at its default and only an
	// explicit wal_mode replaces it.
	cfg := Config{Database: DatabaseConfig{WALMode: Defaults().Database.WALMode}}
	if len(raw) == 0 {
		return cfg, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("encode merged config: %w", err)
	}
	if err := json.Unmarshal(encoded, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode merged config: %w", err)
	}
	return cfg, nil
}
