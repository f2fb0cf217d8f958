package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Warmer   WarmerConfig
	Monitor  MonitorConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host        string
	HealthPort  int
	MetricsPort int
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	SlowQueryLog    time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

// EngineConfig carries the tunable knobs of the decision engine. The engine
// keeps its own copy behind an atomic pointer; see authz.Engine.ApplyTuning.
type EngineConfig struct {
	CheckTimeout   time.Duration
	L1TTL          time.Duration
	L1MaxEntries   int
	L2TTL          time.Duration
	L3MaxStaleness time.Duration
}

type WarmerConfig struct {
	Enabled          bool
	Schedule         string
	SnapshotSchedule string
	BatchSize        int
	RatePerSecond    float64
	Burst            int
	ActivityWindow   time.Duration
}

type MonitorConfig struct {
	WindowLength     time.Duration
	WindowCount      int
	P95Threshold     time.Duration
	HitRateThreshold float64
	BreachWindows    int
}

type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	EnableFile bool
	FilePath   string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			HealthPort:  getEnvInt("HEALTH_PORT", 8081),
			MetricsPort: getEnvInt("METRICS_PORT", 9091),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "velro"),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			SlowQueryLog:    getEnvDuration("DB_SLOW_QUERY_LOG", 50*time.Millisecond),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Enabled:  getEnvBool("REDIS_ENABLED", true),
		},
		Engine: EngineConfig{
			CheckTimeout:   getEnvDuration("AUTHZ_CHECK_TIMEOUT", 150*time.Millisecond),
			L1TTL:          getEnvDuration("AUTHZ_L1_TTL", 2*time.Second),
			L1MaxEntries:   getEnvInt("AUTHZ_L1_MAX_ENTRIES", 10000),
			L2TTL:          getEnvDuration("AUTHZ_L2_TTL", 5*time.Minute),
			L3MaxStaleness: getEnvDuration("AUTHZ_L3_MAX_STALENESS", 15*time.Minute),
		},
		Warmer: WarmerConfig{
			Enabled:          getEnvBool("WARMER_ENABLED", true),
			Schedule:         getEnv("WARMER_SCHEDULE", "*/20 * * * *"),
			SnapshotSchedule: getEnv("WARMER_SNAPSHOT_SCHEDULE", "*/10 * * * *"),
			BatchSize:        getEnvInt("WARMER_BATCH_SIZE", 200),
			RatePerSecond:    getEnvFloat("WARMER_RATE_PER_SECOND", 50),
			Burst:            getEnvInt("WARMER_BURST", 10),
			ActivityWindow:   getEnvDuration("WARMER_ACTIVITY_WINDOW", 24*time.Hour),
		},
		Monitor: MonitorConfig{
			WindowLength:     getEnvDuration("MONITOR_WINDOW_LENGTH", 10*time.Second),
			WindowCount:      getEnvInt("MONITOR_WINDOW_COUNT", 60),
			P95Threshold:     getEnvDuration("MONITOR_P95_THRESHOLD", 100*time.Millisecond),
			HitRateThreshold: getEnvFloat("MONITOR_HIT_RATE_THRESHOLD", 0.95),
			BreachWindows:    getEnvInt("MONITOR_BREACH_WINDOWS", 3),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			EnableFile: getEnvBool("LOG_ENABLE_FILE", false),
			FilePath:   getEnv("LOG_FILE_PATH", "/var/log/velro/authz.log"),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return fallback
}
