package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yuuki/pathflip/internal/topology"
)

const controllerEnvPrefix = "PATHFLIP_CONTROLLER"

// ControllerConfig holds configuration for the controller
type ControllerConfig struct {
	InstanceID         string
	ListenAddr         string
	APIAddr            string
	APIMaxConns        int
	HealthAddr         string
	LogLevel           string
	BarrierTimeoutMS   uint32
	DeviceWriteRate    int
	EchoIntervalMS     uint32
	HandshakeTimeoutMS uint32
	LLDPIntervalMS     uint32
	Topology           topology.Topology
	MetricsEnabled     bool
	OtelCollectorAddr  string
	EventLogURI        string
	EventLogFlushMS    uint32
}

// BarrierTimeout returns the barrier wait bound
func (c *ControllerConfig) BarrierTimeout() time.Duration {
	return time.Duration(c.BarrierTimeoutMS) * time.Millisecond
}

// EchoInterval returns the keepalive period
func (c *ControllerConfig) EchoInterval() time.Duration {
	return time.Duration(c.EchoIntervalMS) * time.Millisecond
}

// HandshakeTimeout returns the bound on the switch handshake
func (c *ControllerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// LLDPInterval returns the discovery probe period
func (c *ControllerConfig) LLDPInterval() time.Duration {
	return time.Duration(c.LLDPIntervalMS) * time.Millisecond
}

// EventLogFlushInterval returns the audit flush period
func (c *ControllerConfig) EventLogFlushInterval() time.Duration {
	return time.Duration(c.EventLogFlushMS) * time.Millisecond
}

// Validate checks values that would make the controller misbehave
func (c *ControllerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.APIAddr == "" {
		return fmt.Errorf("api_addr must be set")
	}
	if c.APIMaxConns <= 0 {
		return fmt.Errorf("api_max_conns must be positive, got %d", c.APIMaxConns)
	}
	if c.BarrierTimeoutMS == 0 {
		return fmt.Errorf("barrier_timeout_ms must be positive")
	}
	if c.LLDPIntervalMS == 0 {
		return fmt.Errorf("lldp_interval_ms must be positive")
	}
	if c.DeviceWriteRate < 0 {
		return fmt.Errorf("device_write_rate must not be negative, got %d", c.DeviceWriteRate)
	}
	if c.EventLogURI != "" && c.EventLogFlushMS == 0 {
		return fmt.Errorf("event_log_flush_ms must be positive when event_log_uri is set")
	}
	return c.Topology.Validate()
}

// controllerFlags maps config keys to their command line flags
var controllerFlags = map[string]string{
	"instance_id":          "instance-id",
	"listen_addr":          "listen-addr",
	"api_addr":             "api-addr",
	"api_max_conns":        "api-max-conns",
	"health_addr":          "health-addr",
	"log_level":            "log-level",
	"barrier_timeout_ms":   "barrier-timeout-ms",
	"device_write_rate":    "device-write-rate",
	"echo_interval_ms":     "echo-interval-ms",
	"handshake_timeout_ms": "handshake-timeout-ms",
	"lldp_interval_ms":     "lldp-interval-ms",
	"topology.ingress":     "ingress",
	"topology.mid_a":       "mid-a",
	"topology.mid_b":       "mid-b",
	"topology.egress":      "egress",
	"metrics_enabled":      "metrics-enabled",
	"otel_collector_addr":  "otel-collector-addr",
	"event_log_uri":        "event-log-uri",
	"event_log_flush_ms":   "event-log-flush-ms",
}

// SetupControllerFlags sets up the command line flags for the controller
func SetupControllerFlags(flagSet *pflag.FlagSet) {
	def := topology.Default()

	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "controller.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("instance-id", "", "Instance id reported with metrics (defaults to the hostname)")
	flagSet.String("listen-addr", "0.0.0.0:6653", "Address to listen on for OpenFlow switch connections")
	flagSet.String("api-addr", "0.0.0.0:8080", "Address of the HTTP control API")
	flagSet.Int("api-max-conns", 64, "Maximum concurrent control API connections")
	flagSet.String("health-addr", "0.0.0.0:50051", "Address of the gRPC health service (empty disables it)")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.Uint32("barrier-timeout-ms", 10000, "How long to wait for a barrier reply")
	flagSet.Int("device-write-rate", 0, "Messages per second per switch (0 is unlimited)")
	flagSet.Uint32("echo-interval-ms", 5000, "Echo keepalive interval (0 disables keepalives)")
	flagSet.Uint32("handshake-timeout-ms", 5000, "Switch handshake timeout")
	flagSet.Uint32("lldp-interval-ms", 2000, "LLDP probe interval")
	flagSet.String("ingress", def.Ingress.String(), "Datapath id of the ingress switch")
	flagSet.String("mid-a", def.MidA.String(), "Datapath id of the path A switch")
	flagSet.String("mid-b", def.MidB.String(), "Datapath id of the path B switch")
	flagSet.String("egress", def.Egress.String(), "Datapath id of the egress switch")
	flagSet.Bool("metrics-enabled", false, "Export OpenTelemetry metrics")
	flagSet.String("otel-collector-addr", "localhost:4317", "OpenTelemetry collector address")
	flagSet.String("event-log-uri", "", "rqlite URI for the event log (empty disables it)")
	flagSet.Uint32("event-log-flush-ms", 2000, "Event log flush interval")
}

func newControllerViper() *viper.Viper {
	def := topology.Default()
	v := viper.New()

	// Set defaults
	v.SetDefault("instance_id", defaultInstanceID())
	v.SetDefault("listen_addr", "0.0.0.0:6653")
	v.SetDefault("api_addr", "0.0.0.0:8080")
	v.SetDefault("api_max_conns", 64)
	v.SetDefault("health_addr", "0.0.0.0:50051")
	v.SetDefault("log_level", "info")
	v.SetDefault("barrier_timeout_ms", 10000)
	v.SetDefault("device_write_rate", 0)
	v.SetDefault("echo_interval_ms", 5000)
	v.SetDefault("handshake_timeout_ms", 5000)
	v.SetDefault("lldp_interval_ms", 2000)
	v.SetDefault("topology.ingress", def.Ingress.String())
	v.SetDefault("topology.mid_a", def.MidA.String())
	v.SetDefault("topology.mid_b", def.MidB.String())
	v.SetDefault("topology.egress", def.Egress.String())
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("otel_collector_addr", "localhost:4317")
	v.SetDefault("event_log_uri", "")
	v.SetDefault("event_log_flush_ms", 2000)

	// Environment variables
	v.SetEnvPrefix(controllerEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadControllerConfig loads the configuration for a controller from a file or environment variables
func LoadControllerConfig(configPath string) (*ControllerConfig, error) {
	v := newControllerViper()
	if err := readConfig(v, configPath, "controller"); err != nil {
		return nil, err
	}
	return decodeControllerConfig(v)
}

// LoadControllerConfigWithFlags loads the configuration with flags taking
// precedence over the environment, the config file and the defaults
func LoadControllerConfigWithFlags(flagSet *pflag.FlagSet) (*ControllerConfig, error) {
	v := newControllerViper()

	// Bind command line flags
	for key, name := range controllerFlags {
		if f := flagSet.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	configPath, _ := flagSet.GetString("config")
	if err := readConfig(v, configPath, "controller"); err != nil {
		return nil, err
	}
	return decodeControllerConfig(v)
}

func decodeControllerConfig(v *viper.Viper) (*ControllerConfig, error) {
	config := &ControllerConfig{
		InstanceID:         v.GetString("instance_id"),
		ListenAddr:         v.GetString("listen_addr"),
		APIAddr:            v.GetString("api_addr"),
		APIMaxConns:        v.GetInt("api_max_conns"),
		HealthAddr:         v.GetString("health_addr"),
		LogLevel:           v.GetString("log_level"),
		BarrierTimeoutMS:   v.GetUint32("barrier_timeout_ms"),
		DeviceWriteRate:    v.GetInt("device_write_rate"),
		EchoIntervalMS:     v.GetUint32("echo_interval_ms"),
		HandshakeTimeoutMS: v.GetUint32("handshake_timeout_ms"),
		LLDPIntervalMS:     v.GetUint32("lldp_interval_ms"),
		MetricsEnabled:     v.GetBool("metrics_enabled"),
		OtelCollectorAddr:  v.GetString("otel_collector_addr"),
		EventLogURI:        v.GetString("event_log_uri"),
		EventLogFlushMS:    v.GetUint32("event_log_flush_ms"),
	}

	if config.InstanceID == "" {
		config.InstanceID = defaultInstanceID()
	}

	nodes := []struct {
		key string
		dst *topology.DPID
	}{
		{"topology.ingress", &config.Topology.Ingress},
		{"topology.mid_a", &config.Topology.MidA},
		{"topology.mid_b", &config.Topology.MidB},
		{"topology.egress", &config.Topology.Egress},
	}
	for _, n := range nodes {
		id, err := topology.ParseDPID(v.GetString(n.key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.key, err)
		}
		*n.dst = id
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// CreateDefaultControllerConfig creates a default configuration file for a controller
func CreateDefaultControllerConfig(path string) error {
	def := topology.Default()

	// Default config content
	configContent := fmt.Sprintf(`# Pathflip Controller Configuration
instance_id: "" # Leave empty to use hostname
listen_addr: "0.0.0.0:6653"    # OpenFlow switches connect here
api_addr: "0.0.0.0:8080"       # HTTP control API
api_max_conns: 64
health_addr: "0.0.0.0:50051"   # gRPC health service, empty disables it
log_level: "info" # debug, info, warn, error

barrier_timeout_ms: 10000
device_write_rate: 0 # messages per second per switch, 0 is unlimited
echo_interval_ms: 5000
handshake_timeout_ms: 5000
lldp_interval_ms: 2000

topology:
  ingress: "%s"
  mid_a: "%s"
  mid_b: "%s"
  egress: "%s"

metrics_enabled: false
otel_collector_addr: "localhost:4317"

event_log_uri: "" # e.g. http://localhost:4001
event_log_flush_ms: 2000
`, def.Ingress, def.MidA, def.MidB, def.Egress)

	return writeDefaultConfig(path, configContent)
}
