package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Ingress     IngressConfig     `yaml:"ingress"`
	Push        PushConfig        `yaml:"push"`
	WorkerPool  WorkerPoolConfig  `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for crew maintenance alerts.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the HTTP API configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogQueries             bool   `yaml:"log_queries"`
}

// MQTTConfig describes the broker and the endpoint topic layout.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	ClientID        string        `yaml:"client_id"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	QoS             byte          `yaml:"qos"`
	MachinePrefix   string        `yaml:"machine_prefix"`
	AccessPrefix    string        `yaml:"access_prefix"`
	ConnectMessage  string        `yaml:"connect_message"`
	AliveMessage    string        `yaml:"alive_message"`
	LaneBuffer      int           `yaml:"lane_buffer"`
	MaxLanes        int           `yaml:"max_lanes"`
	LaneIdleSeconds int           `yaml:"lane_idle_seconds"`
	LaneIdle        time.Duration `yaml:"-"`
}

// CoordinatorConfig holds session and sweep timing.
type CoordinatorConfig struct {
	Timezone                string         `yaml:"timezone"`
	Location                *time.Location `yaml:"-"`
	KeepAliveSeconds        int            `yaml:"keep_alive_seconds"`
	KeepAlive               time.Duration  `yaml:"-"`
	KeepAliveMissMultiple   int            `yaml:"keep_alive_miss_multiple"`
	LivenessSweepSeconds    int            `yaml:"liveness_sweep_seconds"`
	LivenessSweep           time.Duration  `yaml:"-"`
	RetryAttempts           int            `yaml:"retry_attempts"`
	RetryBaseMillis         int            `yaml:"retry_base_millis"`
	RetryBase               time.Duration  `yaml:"-"`
	RetryMaxMillis          int            `yaml:"retry_max_millis"`
	RetryMax                time.Duration  `yaml:"-"`
	DefaultMaintenanceHours float64        `yaml:"default_maintenance_hours"`
}

// DedupConfig selects where the replay window lives.
type DedupConfig struct {
	Backend       string        `yaml:"backend"` // memory or redis
	WindowSeconds int           `yaml:"window_seconds"`
	Window        time.Duration `yaml:"-"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
}

// IngressConfig bounds how fast a single endpoint may publish.
type IngressConfig struct {
	EndpointRatePerSec float64 `yaml:"endpoint_rate_per_sec"`
	EndpointBurst      int     `yaml:"endpoint_burst"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields and derives the duration fields.
func (cfg *Config) ApplyDefaults() error {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "makerspace-backend"
	}
	if cfg.MQTT.MachinePrefix == "" {
		cfg.MQTT.MachinePrefix = "machine"
	}
	if cfg.MQTT.AccessPrefix == "" {
		cfg.MQTT.AccessPrefix = "access"
	}
	if cfg.MQTT.ConnectMessage == "" {
		cfg.MQTT.ConnectMessage = "connect"
	}
	if cfg.MQTT.AliveMessage == "" {
		cfg.MQTT.AliveMessage = "alive"
	}
	if cfg.MQTT.QoS > 2 {
		log.Printf("mqtt.qos %d is out of range; defaulting to 1", cfg.MQTT.QoS)
		cfg.MQTT.QoS = 1
	}
	if cfg.MQTT.LaneBuffer <= 0 {
		cfg.MQTT.LaneBuffer = 32
	}
	if cfg.MQTT.MaxLanes <= 0 {
		cfg.MQTT.MaxLanes = 1024
	}
	if cfg.MQTT.LaneIdleSeconds <= 0 {
		cfg.MQTT.LaneIdleSeconds = 300
	}
	cfg.MQTT.LaneIdle = time.Duration(cfg.MQTT.LaneIdleSeconds) * time.Second

	if cfg.Coordinator.Timezone == "" {
		cfg.Coordinator.Timezone = "Local"
	}
	loc, err := time.LoadLocation(cfg.Coordinator.Timezone)
	if err != nil {
		return err
	}
	cfg.Coordinator.Location = loc

	if cfg.Coordinator.KeepAliveSeconds <= 0 {
		cfg.Coordinator.KeepAliveSeconds = 30
	}
	cfg.Coordinator.KeepAlive = time.Duration(cfg.Coordinator.KeepAliveSeconds) * time.Second
	if cfg.Coordinator.KeepAliveMissMultiple <= 0 {
		cfg.Coordinator.KeepAliveMissMultiple = 3
	}
	if cfg.Coordinator.LivenessSweepSeconds <= 0 {
		cfg.Coordinator.LivenessSweepSeconds = cfg.Coordinator.KeepAliveSeconds
	}
	cfg.Coordinator.LivenessSweep = time.Duration(cfg.Coordinator.LivenessSweepSeconds) * time.Second
	if cfg.Coordinator.RetryAttempts <= 0 {
		cfg.Coordinator.RetryAttempts = 3
	}
	if cfg.Coordinator.RetryBaseMillis <= 0 {
		cfg.Coordinator.RetryBaseMillis = 100
	}
	cfg.Coordinator.RetryBase = time.Duration(cfg.Coordinator.RetryBaseMillis) * time.Millisecond
	if cfg.Coordinator.RetryMaxMillis <= 0 {
		cfg.Coordinator.RetryMaxMillis = 2000
	}
	cfg.Coordinator.RetryMax = time.Duration(cfg.Coordinator.RetryMaxMillis) * time.Millisecond
	if cfg.Coordinator.DefaultMaintenanceHours <= 0 {
		cfg.Coordinator.DefaultMaintenanceHours = 100
	}

	if cfg.Dedup.Backend == "" {
		cfg.Dedup.Backend = "memory"
	}
	if cfg.Dedup.WindowSeconds <= 0 {
		cfg.Dedup.WindowSeconds = 300
	}
	cfg.Dedup.Window = time.Duration(cfg.Dedup.WindowSeconds) * time.Second

	if cfg.Ingress.EndpointRatePerSec <= 0 {
		cfg.Ingress.EndpointRatePerSec = 5
	}
	if cfg.Ingress.EndpointBurst <= 0 {
		cfg.Ingress.EndpointBurst = 10
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	return nil
}
