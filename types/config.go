package types

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig collects everything the capnode binary needs: identity, the
// commitment target, the coordinator endpoint and the ambient services.
type NodeConfig struct {
	NodeName string `yaml:"nodename" json:"nodename"`
	DataDir  string `yaml:"datadir" json:"datadir"`
	KeyFile  string `yaml:"keyfile" json:"keyfile"`

	CoordinatorURL string `yaml:"coordinator" json:"coordinator"`

	TotalCapacityBytes   uint64 `yaml:"total_capacity_bytes" json:"total_capacity_bytes"`
	MaxUnitCapacityBytes uint64 `yaml:"max_unit_capacity_bytes" json:"max_unit_capacity_bytes"`

	KeepAliveSecs int `yaml:"keepalive_secs" json:"keepalive_secs"`
	HeartbeatSecs int `yaml:"heartbeat_secs" json:"heartbeat_secs"`

	TelemetryAddr string `yaml:"telemetry" json:"telemetry"`

	LogLevel   string `yaml:"loglevel" json:"loglevel"`
	LogModules string `yaml:"logmodules" json:"logmodules"`
	LogJSON    bool   `yaml:"logjson" json:"logjson"`
}

func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		NodeName:             "capnode",
		DataDir:              "./data",
		KeyFile:              "./data/node.key",
		CoordinatorURL:       "ws://127.0.0.1:9900/ws",
		TotalCapacityBytes:   16 * GiB,
		MaxUnitCapacityBytes: DefaultMaxUnitCapacity,
		KeepAliveSecs:        int(DefaultKeepAliveInterval / time.Second),
		HeartbeatSecs:        int(DefaultHeartbeatInterval / time.Second),
		LogLevel:             "info",
	}
}

// LoadNodeConfig reads a YAML config file, falling back to defaults when the
// path is empty or the file does not exist.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Spec derives the commitment target from the configured sizes.
func (c *NodeConfig) Spec() CommitmentSpec {
	return CommitmentSpec{
		TotalCapacityBytes:   c.TotalCapacityBytes,
		MaxUnitCapacityBytes: c.MaxUnitCapacityBytes,
	}
}

func (c *NodeConfig) KeepAliveInterval() time.Duration {
	if c.KeepAliveSecs <= 0 {
		return DefaultKeepAliveInterval
	}
	return time.Duration(c.KeepAliveSecs) * time.Second
}

func (c *NodeConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatSecs <= 0 {
		return DefaultHeartbeatInterval
	}
	return time.Duration(c.HeartbeatSecs) * time.Second
}

func (c *NodeConfig) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("nodename must not be empty")
	}
	if c.MaxUnitCapacityBytes == 0 {
		c.MaxUnitCapacityBytes = DefaultMaxUnitCapacity
	}
	return c.Spec().Validate()
}

// String method returns the NodeConfig as a formatted JSON string
func (c *NodeConfig) String() string {
	jsonData, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling JSON: %v", err)
	}
	return string(jsonData)
}
