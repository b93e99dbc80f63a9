package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/ini.v1"

	"driftproxy/internal/shared/types"
)

// LoadIni loads the behavior configuration from driftproxy.ini and applies
// environment overrides.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnv(&cfg.WebConf.Password, "DRIFT_WEB_PASSWORD")
	return nil
}

// LoadPeers loads the peers.json data file. A missing file yields an empty
// list rather than an error.
func LoadPeers(fileName string) ([]*types.PeerProfile, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.PeerProfile{}, nil
		}
		return nil, fmt.Errorf("failed to read peers file: %w", err)
	}

	var profiles []*types.PeerProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peers.json: %w", err)
	}
	return profiles, nil
}

// SavePeers writes the peer list back to peers.json.
func SavePeers(fileName string, profiles []*types.PeerProfile) error {
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal peer profiles: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
