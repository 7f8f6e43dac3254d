package config

import (
	"os"
	"strconv"
)

// Settings holds process configuration sourced from the environment.
// Everything is read once at startup; file-backed config (policy, devices)
// lives in its own loaders and reloads on change.
type Settings struct {
	MQTTURL     string
	MQTTUser    string
	MQTTPass    string
	DBPath      string
	PolicyPath  string
	DevicesPath string
	SweepPath   string
	Mode        string
	HTTPAddr    string

	DiscoverySubnet        string
	DiscoveryTopic         string
	DiscoveryTimeoutS      int
	DiscoveryIntervalHours int
}

// LoadSettings reads settings from the environment with defaults matching
// a local single-node deployment.
func LoadSettings() Settings {
	return Settings{
		MQTTURL:     envOr("MQTT_URL", "mqtt://localhost:1883"),
		MQTTUser:    os.Getenv("MQTT_USER"),
		MQTTPass:    os.Getenv("MQTT_PASS"),
		DBPath:      envOr("DB_PATH", "./data/hcai.sqlite"),
		PolicyPath:  envOr("POLICY_PATH", "./config/policy.yaml"),
		DevicesPath: envOr("DEVICES_PATH", "./config/devices.yaml"),
		SweepPath:   envOr("SCHEDULER_PATH", "./config/scheduler.yaml"),
		Mode:        envOr("MODE", "propose"),
		HTTPAddr:    envOr("HTTP_ADDR", "127.0.0.1:8000"),

		DiscoverySubnet:        envOr("DISCOVERY_SUBNET", "10.0.0.0/24"),
		DiscoveryTopic:         envOr("DISCOVERY_TOPIC", "ctrl/discover"),
		DiscoveryTimeoutS:      envIntOr("DISCOVERY_TIMEOUT_S", 180),
		DiscoveryIntervalHours: envIntOr("DISCOVERY_INTERVAL_HOURS", 6),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
