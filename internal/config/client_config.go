package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ClientConfig holds configuration for the ffctl operator tool
type ClientConfig struct {
	APIAddr    string
	HealthAddr string
	TimeoutMS  uint32
	LogLevel   string
}

// Timeout returns the per-request timeout
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// SetupClientFlags sets up the persistent flags shared by every ffctl command
func SetupClientFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.String("api", "http://localhost:8080", "Base URL of the controller control API")
	flagSet.String("health", "localhost:50051", "Address of the controller gRPC health service")
	flagSet.Uint32("timeout-ms", 30000, "Request timeout")
	flagSet.String("log-level", "warn", "Log level (debug, info, warn, error)")
}

// LoadClientConfig loads the configuration for ffctl from flags, environment
// variables and an optional config file
func LoadClientConfig(flagSet *pflag.FlagSet) (*ClientConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("api_addr", "http://localhost:8080")
	v.SetDefault("health_addr", "localhost:50051")
	v.SetDefault("timeout_ms", 30000) // toggles may wait on barriers
	v.SetDefault("log_level", "warn")

	// Environment variables
	v.SetEnvPrefix("PATHFLIP_CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, name := range map[string]string{
		"api_addr":    "api",
		"health_addr": "health",
		"timeout_ms":  "timeout-ms",
		"log_level":   "log-level",
	} {
		if f := flagSet.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	// Config file
	configPath, _ := flagSet.GetString("config")
	if err := readConfig(v, configPath, "ffctl"); err != nil {
		return nil, err
	}

	config := &ClientConfig{
		APIAddr:    strings.TrimSuffix(v.GetString("api_addr"), "/"),
		HealthAddr: v.GetString("health_addr"),
		TimeoutMS:  v.GetUint32("timeout_ms"),
		LogLevel:   v.GetString("log_level"),
	}
	if config.APIAddr == "" {
		return nil, fmt.Errorf("api address must be set")
	}
	return config, nil
}

// CreateDefaultClientConfig creates a default configuration file for ffctl
func CreateDefaultClientConfig(path string) error {
	// Default config content
	configContent := `# Pathflip ffctl Configuration
api_addr: "http://localhost:8080"
health_addr: "localhost:50051"
timeout_ms: 30000
log_level: "warn" # debug, info, warn, error
`

	return writeDefaultConfig(path, configContent)
}
