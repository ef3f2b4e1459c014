/*
Package config loads process configuration from the environment.

SOURCES (later wins):
  1. Defaults set here
  2. .env in the working directory, if present (godotenv, then viper)
  3. Process environment

KEYS:
  APP_PORT                     HTTP port (8080)
  DB_DRIVER                    sqlite | postgres (sqlite)
  SQLITE_PATH                  sqlite file, ":memory:" for ephemeral (billing.db)
  DB_HOST, DB_PORT, DB_NAME,
  DB_USER, DB_PASSWORD,
  DB_SSL_MODE, DB_TIMEZONE     postgres connection
  DB_MAX_IDLE_CONNS,
  DB_MAX_OPEN_CONNS, DB_LOG_SQL postgres pool and gorm logging
  LOG_LEVEL, LOG_DEVELOPMENT   zap logger
  MILE_YEN_PER_MILE (500), MILE_REGULAR_THRESHOLD (2),
  MILE_PROMO_THRESHOLD (1), MILE_MIN_PRODUCTS (2)
  SCHEDULER_ENABLED, SCHEDULER_INTERVAL
  CORS_ALLOWED_ORIGINS         comma separated

SEE ALSO:
  - cmd/server, cmd/recompute: The only callers
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/mile"
	"github.com/warp/tuition-billing/store/postgres"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Log       LogConfig
	Mile      MileConfig
	Scheduler SchedulerConfig
	CORS      CORSConfig
}

type AppConfig struct {
	Port string
}

type DatabaseConfig struct {
	Driver     string
	SQLitePath string

	Host         string
	Port         string
	Name         string
	User         string
	Password     string
	SSLMode      string
	Timezone     string
	MaxIdleConns int
	MaxOpenConns int
	LogSQL       bool
}

type LogConfig struct {
	Level       string
	Development bool
}

type MileConfig struct {
	YenPerMile       int64
	RegularThreshold int
	PromoThreshold   int
	MinProducts      int
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

// Load reads configuration. A missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)
	// Absent .env: environment and defaults only.
	_ = v.ReadInConfig()

	cfg := &Config{
		App: AppConfig{
			Port: v.GetString("APP_PORT"),
		},
		Database: DatabaseConfig{
			Driver:       strings.ToLower(v.GetString("DB_DRIVER")),
			SQLitePath:   v.GetString("SQLITE_PATH"),
			Host:         v.GetString("DB_HOST"),
			Port:         v.GetString("DB_PORT"),
			Name:         v.GetString("DB_NAME"),
			User:         v.GetString("DB_USER"),
			Password:     v.GetString("DB_PASSWORD"),
			SSLMode:      v.GetString("DB_SSL_MODE"),
			Timezone:     v.GetString("DB_TIMEZONE"),
			MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
			LogSQL:       v.GetBool("DB_LOG_SQL"),
		},
		Log: LogConfig{
			Level:       v.GetString("LOG_LEVEL"),
			Development: v.GetBool("LOG_DEVELOPMENT"),
		},
		Mile: MileConfig{
			YenPerMile:       v.GetInt64("MILE_YEN_PER_MILE"),
			RegularThreshold: v.GetInt("MILE_REGULAR_THRESHOLD"),
			PromoThreshold:   v.GetInt("MILE_PROMO_THRESHOLD"),
			MinProducts:      v.GetInt("MILE_MIN_PRODUCTS"),
		},
		Scheduler: SchedulerConfig{
			Enabled:  v.GetBool("SCHEDULER_ENABLED"),
			Interval: v.GetDuration("SCHEDULER_INTERVAL"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "billing.db")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "billing")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_TIMEZONE", "Asia/Tokyo")
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_LOG_SQL", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)
	v.SetDefault("MILE_YEN_PER_MILE", 500)
	v.SetDefault("MILE_REGULAR_THRESHOLD", 2)
	v.SetDefault("MILE_PROMO_THRESHOLD", 1)
	v.SetDefault("MILE_MIN_PRODUCTS", 2)
	v.SetDefault("SCHEDULER_ENABLED", false)
	v.SetDefault("SCHEDULER_INTERVAL", "1h")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Mile.YenPerMile < 0 || c.Mile.RegularThreshold < 0 || c.Mile.PromoThreshold < 0 || c.Mile.MinProducts < 0 {
		return fmt.Errorf("mile settings must not be negative")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	return nil
}

// MileRule is the global mile discount rule.
func (c *Config) MileRule() mile.Rule {
	return mile.Rule{
		YenPerMile:       billing.Yen(c.Mile.YenPerMile),
		RegularThreshold: c.Mile.RegularThreshold,
		PromoThreshold:   c.Mile.PromoThreshold,
		MinProducts:      c.Mile.MinProducts,
	}
}

func (c *Config) Postgres() postgres.Config {
	d := c.Database
	return postgres.Config{
		Host:         d.Host,
		Port:         d.Port,
		Name:         d.Name,
		User:         d.User,
		Password:     d.Password,
		SSLMode:      d.SSLMode,
		Timezone:     d.Timezone,
		MaxIdleConns: d.MaxIdleConns,
		MaxOpenConns: d.MaxOpenConns,
		LogSQL:       d.LogSQL,
	}
}

// Logger builds the process logger. Development mode logs human readable
// console output at debug level unless LOG_LEVEL says otherwise.
func (c *Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Log.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
