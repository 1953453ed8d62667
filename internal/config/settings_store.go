package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

type AgentSettings struct {
	BaseURL   string `json:"base_url"`
	TokenFile string `json:"token_file"`
	StateDir  string `json:"state_dir"`
	Debug     bool   `json:"debug"`
}

func SettingsPath() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "casewatch", "agent-settings.json"), nil
}

func LoadSettings() (AgentSettings, error) {
	path, err := SettingsPath()
	if err != nil {
		return AgentSettings{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentSettings{}, err
	}
	var settings AgentSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return AgentSettings{}, err
	}
	return settings, nil
}

func SaveSettings(settings AgentSettings) error {
	path, err := SettingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// MergeOptionsWithSettings fills unset runtime options from saved settings;
// runtime values always win.
func MergeOptionsWithSettings(cli Options, saved AgentSettings) Options {
	if strings.TrimSpace(cli.BaseURL) == "" {
		cli.BaseURL = saved.BaseURL
	}
	if strings.TrimSpace(cli.TokenFile) == "" {
		cli.TokenFile = saved.TokenFile
	}
	if strings.TrimSpace(cli.StateDir) == "" {
		cli.StateDir = saved.StateDir
	}
	if !cli.Debug {
		cli.Debug = saved.Debug
	}
	return cli
}
