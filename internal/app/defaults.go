package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// toolNS is the namespace directory used under the cache dir and on the
// destination.
const toolNS = "dfb"

// GetDefaults returns application default paths, checking environment
// variables first.
// Environment variables:
//   - DFB_CONFIG_PATH: config file location (default: ~/.config/dfb.toml)
//   - DFB_CACHE_DIR: cache base directory (default: the user cache dir)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	cacheDir, err := getCacheDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"cache_dir":   cacheDir,
		"ns_dir":      filepath.Join(cacheDir, toolNS),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("DFB_CONFIG_PATH"); path != "" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "dfb.toml"), nil
}

func getCacheDir() (string, error) {
	if path := os.Getenv("DFB_CACHE_DIR"); path != "" {
		return path, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine cache directory: %w", err)
	}
	return dir, nil
}
