package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for a parklens agent
type Config struct {
	// MQTT configuration
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTPort     int    `yaml:"mqtt_port"`
	MQTTUser     string `yaml:"mqtt_user"`
	MQTTPassword string `yaml:"mqtt_password"`
	MQTTClientID string `yaml:"mqtt_client_id"`

	// Redis configuration
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Postgres configuration
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	PostgresMaxConnections     int           `yaml:"postgres_max_connections"`
	PostgresMaxIdleConnections int           `yaml:"postgres_max_idle_connections"`
	PostgresConnMaxLifetime    time.Duration `yaml:"postgres_conn_max_lifetime"`

	// Service configuration
	ServiceName string `yaml:"service_name"`
	HealthPort  int    `yaml:"health_port"`
	LogLevel    string `yaml:"log_level"`

	// Decision engine configuration
	DebounceWindowSec       int `yaml:"debounce_window_sec"`
	SensorUnknownTimeoutSec int `yaml:"sensor_unknown_timeout_sec"`
	ReservedSoonMinutes     int `yaml:"reserved_soon_minutes"`
	MaxReservationHours     int `yaml:"max_reservation_hours"`
	SweepIntervalSec        int `yaml:"sweep_interval_sec"`
	PolicyCacheTTLSec       int `yaml:"policy_cache_ttl_sec"`

	// Actuation configuration
	DispatchMaxRetries int `yaml:"dispatch_max_retries"`
	DispatchBackoffSec int `yaml:"dispatch_backoff_sec"`
	DispatchTimeoutSec int `yaml:"dispatch_timeout_sec"`

	// Night dimming (displays dim while the sun is below the horizon)
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		MQTTBroker:    "localhost",
		MQTTPort:      1883,
		MQTTUser:      "",
		MQTTPassword:  "",
		MQTTClientID:  "",
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		PostgresHost:               "localhost",
		PostgresPort:               5432,
		PostgresUser:               "parklens",
		PostgresPassword:           "",
		PostgresDB:                 "parklens",
		PostgresSSLMode:            "disable",
		PostgresMaxConnections:     10,
		PostgresMaxIdleConnections: 2,
		PostgresConnMaxLifetime:    5 * time.Minute,

		ServiceName: "parklens-agent",
		HealthPort:  8080,
		LogLevel:    "info",

		// Engine defaults documented in the component contracts
		DebounceWindowSec:       10,
		SensorUnknownTimeoutSec: 60,
		ReservedSoonMinutes:     15,
		MaxReservationHours:     24,
		SweepIntervalSec:        30,
		PolicyCacheTTLSec:       60,

		DispatchMaxRetries: 5,
		DispatchBackoffSec: 30,
		DispatchTimeoutSec: 10,

		// Helsinki coordinates
		Latitude:  60.1695,
		Longitude: 24.9354,
	}
}

// LoadFromFile merges values from an optional YAML config file.
// An empty path is a no-op; a present but unreadable file is an error.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables with PARKLENS_ prefix
func (c *Config) LoadFromEnv() {
	// MQTT configuration
	if v := os.Getenv("PARKLENS_MQTT_BROKER"); v != "" {
		c.MQTTBroker = v
	}
	if v := os.Getenv("PARKLENS_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.MQTTPort = port
		}
	}
	if v := os.Getenv("PARKLENS_MQTT_USER"); v != "" {
		c.MQTTUser = v
	}
	if v := os.Getenv("PARKLENS_MQTT_PASSWORD"); v != "" {
		c.MQTTPassword = v
	}
	if v := os.Getenv("PARKLENS_MQTT_CLIENT_ID"); v != "" {
		c.MQTTClientID = v
	}

	// Redis configuration
	if v := os.Getenv("PARKLENS_REDIS_HOST"); v != "" {
		c.RedisHost = v
	}
	if v := os.Getenv("PARKLENS_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.RedisPort = port
		}
	}
	if v := os.Getenv("PARKLENS_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("PARKLENS_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.RedisDB = db
		}
	}

	// Postgres configuration
	if v := os.Getenv("PARKLENS_POSTGRES_HOST"); v != "" {
		c.PostgresHost = v
	}
	if v := os.Getenv("PARKLENS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.PostgresPort = port
		}
	}
	if v := os.Getenv("PARKLENS_POSTGRES_USER"); v != "" {
		c.PostgresUser = v
	}
	if v := os.Getenv("PARKLENS_POSTGRES_PASSWORD"); v != "" {
		c.PostgresPassword = v
	}
	if v := os.Getenv("PARKLENS_POSTGRES_DB"); v != "" {
		c.PostgresDB = v
	}
	if v := os.Getenv("PARKLENS_POSTGRES_SSLMODE"); v != "" {
		c.PostgresSSLMode = v
	}

	// Service configuration
	if v := os.Getenv("PARKLENS_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("PARKLENS_HEALTH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HealthPort = port
		}
	}
	if v := os.Getenv("PARKLENS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	// Decision engine configuration
	if v := os.Getenv("PARKLENS_DEBOUNCE_WINDOW_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			c.DebounceWindowSec = sec
		}
	}
	if v := os.Getenv("PARKLENS_SENSOR_UNKNOWN_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			c.SensorUnknownTimeoutSec = sec
		}
	}
	if v := os.Getenv("PARKLENS_RESERVED_SOON_MINUTES"); v != "" {
		if m, err := strconv.Atoi(v); err == nil {
			c.ReservedSoonMinutes = m
		}
	}
	if v := os.Getenv("PARKLENS_MAX_RESERVATION_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil {
			c.MaxReservationHours = h
		}
	}
	if v := os.Getenv("PARKLENS_SWEEP_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			c.SweepIntervalSec = sec
		}
	}
	if v := os.Getenv("PARKLENS_POLICY_CACHE_TTL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			c.PolicyCacheTTLSec = sec
		}
	}

	// Actuation configuration
	if v := os.Getenv("PARKLENS_DISPATCH_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DispatchMaxRetries = n
		}
	}
	if v := os.Getenv("PARKLENS_DISPATCH_BACKOFF_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			c.DispatchBackoffSec = sec
		}
	}
	if v := os.Getenv("PARKLENS_DISPATCH_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			c.DispatchTimeoutSec = sec
		}
	}

	// Night dimming configuration
	if v := os.Getenv("PARKLENS_LATITUDE"); v != "" {
		if lat, err := strconv.ParseFloat(v, 64); err == nil {
			c.Latitude = lat
		}
	}
	if v := os.Getenv("PARKLENS_LONGITUDE"); v != "" {
		if lon, err := strconv.ParseFloat(v, 64); err == nil {
			c.Longitude = lon
		}
	}
}

// LoadFromFlags parses command-line flags and overrides config values
func (c *Config) LoadFromFlags() {
	// MQTT flags
	pflag.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker, "MQTT broker hostname")
	pflag.IntVar(&c.MQTTPort, "mqtt-port", c.MQTTPort, "MQTT broker port")
	pflag.StringVar(&c.MQTTUser, "mqtt-user", c.MQTTUser, "MQTT username")
	pflag.StringVar(&c.MQTTPassword, "mqtt-password", c.MQTTPassword, "MQTT password")
	pflag.StringVar(&c.MQTTClientID, "mqtt-client-id", c.MQTTClientID, "MQTT client ID")

	// Redis flags
	pflag.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis hostname")
	pflag.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")
	pflag.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	pflag.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")

	// Postgres flags
	pflag.StringVar(&c.PostgresHost, "postgres-host", c.PostgresHost, "Postgres hostname")
	pflag.IntVar(&c.PostgresPort, "postgres-port", c.PostgresPort, "Postgres port")
	pflag.StringVar(&c.PostgresUser, "postgres-user", c.PostgresUser, "Postgres username")
	pflag.StringVar(&c.PostgresPassword, "postgres-password", c.PostgresPassword, "Postgres password")
	pflag.StringVar(&c.PostgresDB, "postgres-db", c.PostgresDB, "Postgres database name")
	pflag.StringVar(&c.PostgresSSLMode, "postgres-sslmode", c.PostgresSSLMode, "Postgres SSL mode")

	// Service flags
	pflag.StringVar(&c.ServiceName, "service-name", c.ServiceName, "Service name")
	pflag.IntVar(&c.HealthPort, "health-port", c.HealthPort, "Health check HTTP port")
	pflag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")

	// Decision engine flags
	pflag.IntVar(&c.DebounceWindowSec, "debounce-window", c.DebounceWindowSec, "Debounce confirmation window in seconds")
	pflag.IntVar(&c.SensorUnknownTimeoutSec, "sensor-unknown-timeout", c.SensorUnknownTimeoutSec, "Sensor silence tolerated before stale fallback (seconds)")
	pflag.IntVar(&c.ReservedSoonMinutes, "reserved-soon-minutes", c.ReservedSoonMinutes, "Pre-announce window before a reservation starts (minutes)")
	pflag.IntVar(&c.MaxReservationHours, "max-reservation-hours", c.MaxReservationHours, "Maximum reservation duration in hours")
	pflag.IntVar(&c.SweepIntervalSec, "sweep-interval", c.SweepIntervalSec, "Expiry/retry sweep interval in seconds")
	pflag.IntVar(&c.PolicyCacheTTLSec, "policy-cache-ttl", c.PolicyCacheTTLSec, "Display policy cache TTL in seconds")

	// Actuation flags
	pflag.IntVar(&c.DispatchMaxRetries, "dispatch-max-retries", c.DispatchMaxRetries, "Maximum delivery attempts per command")
	pflag.IntVar(&c.DispatchBackoffSec, "dispatch-backoff", c.DispatchBackoffSec, "Base retry backoff in seconds (doubles per attempt)")
	pflag.IntVar(&c.DispatchTimeoutSec, "dispatch-timeout", c.DispatchTimeoutSec, "Delivery call timeout in seconds")

	// Night dimming flags
	pflag.Float64Var(&c.Latitude, "latitude", c.Latitude, "Geographic latitude for night dimming")
	pflag.Float64Var(&c.Longitude, "longitude", c.Longitude, "Geographic longitude for night dimming")

	pflag.Parse()
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT broker is required")
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("MQTT port must be between 1 and 65535")
	}
	if c.RedisHost == "" {
		return fmt.Errorf("Redis host is required")
	}
	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		return fmt.Errorf("Redis port must be between 1 and 65535")
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("Postgres host is required")
	}
	if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
		return fmt.Errorf("Postgres port must be between 1 and 65535")
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("Health port must be between 1 and 65535")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("Service name is required")
	}
	if c.DebounceWindowSec <= 0 {
		return fmt.Errorf("debounce window must be positive")
	}
	if c.SensorUnknownTimeoutSec <= 0 {
		return fmt.Errorf("sensor unknown timeout must be positive")
	}
	if c.MaxReservationHours <= 0 {
		return fmt.Errorf("max reservation duration must be positive")
	}
	if c.DispatchMaxRetries < 0 {
		return fmt.Errorf("dispatch max retries must not be negative")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// MQTTAddress returns the full MQTT broker address
func (c *Config) MQTTAddress() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTBroker, c.MQTTPort)
}

// RedisAddress returns the full Redis address
func (c *Config) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PostgresConnectionString returns a lib/pq connection string
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode)
}

// DebounceWindow returns the debounce confirmation window as a duration
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceWindowSec) * time.Second
}

// SensorUnknownTimeout returns the sensor freshness window as a duration
func (c *Config) SensorUnknownTimeout() time.Duration {
	return time.Duration(c.SensorUnknownTimeoutSec) * time.Second
}

// ReservedSoonThreshold returns the pre-announce window as a duration
func (c *Config) ReservedSoonThreshold() time.Duration {
	return time.Duration(c.ReservedSoonMinutes) * time.Minute
}

// MaxReservationDuration returns the longest allowed reservation
func (c *Config) MaxReservationDuration() time.Duration {
	return time.Duration(c.MaxReservationHours) * time.Hour
}

// DispatchTimeout returns the bounded timeout for a delivery call
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSec) * time.Second
}
