package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ErrConfigExists is returned when a default config would replace an existing file
var ErrConfigExists = errors.New("config file already exists")

// configSearchPaths are tried in order when no config file is given
var configSearchPaths = []string{".", "$HOME/.pathflip", "/etc/pathflip"}

// readConfig loads an explicit config file, or <name>.yaml from the search
// paths. Only an explicit file is required to exist
func readConfig(v *viper.Viper, explicitPath, name string) error {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", explicitPath, err)
		}
		return nil
	}

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	for _, p := range configSearchPaths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading %s config: %w", name, err)
		}
	}
	return nil
}

// defaultInstanceID names this controller in metrics when instance_id is unset
func defaultInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("pathflip-%d", os.Getpid())
}

// writeDefaultConfig writes content to path through a temporary file in the
// same directory. An existing file is never replaced
func writeDefaultConfig(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, ErrConfigExists)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("error creating config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing config file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
