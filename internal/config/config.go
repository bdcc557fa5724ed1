// Package config loads service configuration from defaults, an optional
// config file and CERTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete service configuration.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Workflows WorkflowsConfig
	Auth      AuthConfig
	Roles     RolesConfig
	Events    EventsConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Driver      string // postgres | sqlite
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	DSN         string // sqlite path, or a full postgres URL overriding the fields above
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
	Migrate     bool
}

type WorkflowsConfig struct {
	Source        string // file | database
	File          string
	CacheTTL      time.Duration
	CacheCapacity uint64
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type RolesConfig struct {
	Source    string // static | redis
	Static    map[string][]string
	RedisAddr string
	RedisDB   int
	Prefix    string
}

type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-gov-certificates")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "certificates")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("workflows.source", "file")
	v.SetDefault("workflows.file", "workflows.yaml")
	v.SetDefault("workflows.cache_ttl", 5*time.Minute)
	v.SetDefault("workflows.cache_capacity", 64)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("roles.source", "static")
	v.SetDefault("roles.static", map[string][]string{})
	v.SetDefault("roles.redis_addr", "localhost:6379")
	v.SetDefault("roles.redis_db", 0)
	v.SetDefault("roles.prefix", "certificates")

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "certificates")
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("CERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile (if non-empty) into v and builds a Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		// an explicitly named file must exist; leave --config unset to run
		// on defaults and env alone
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", configFile)
			}
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        v.GetString("service.name"),
			Version:     v.GetString("service.version"),
			Environment: v.GetString("service.environment"),
			LogLevel:    v.GetString("service.log_level"),
		},
		Server: ServerConfig{
			Port:            v.GetInt("server.port"),
			GRPCPort:        v.GetInt("server.grpc_port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			RequestTimeout:  v.GetDuration("server.request_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Driver:      v.GetString("database.driver"),
			Host:        v.GetString("database.host"),
			Port:        v.GetInt("database.port"),
			User:        v.GetString("database.user"),
			Password:    v.GetString("database.password"),
			Database:    v.GetString("database.database"),
			SSLMode:     v.GetString("database.ssl_mode"),
			DSN:         v.GetString("database.dsn"),
			MaxConns:    v.GetInt32("database.max_conns"),
			MinConns:    v.GetInt32("database.min_conns"),
			MaxConnTime: v.GetDuration("database.max_conn_time"),
			MaxIdleTime: v.GetDuration("database.max_idle_time"),
			HealthCheck: v.GetDuration("database.health_check"),
			Migrate:     v.GetBool("database.migrate"),
		},
		Workflows: WorkflowsConfig{
			Source:        v.GetString("workflows.source"),
			File:          v.GetString("workflows.file"),
			CacheTTL:      v.GetDuration("workflows.cache_ttl"),
			CacheCapacity: v.GetUint64("workflows.cache_capacity"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			Issuer:    v.GetString("auth.issuer"),
		},
		Roles: RolesConfig{
			Source:    v.GetString("roles.source"),
			Static:    v.GetStringMapStringSlice("roles.static"),
			RedisAddr: v.GetString("roles.redis_addr"),
			RedisDB:   v.GetInt("roles.redis_db"),
			Prefix:    v.GetString("roles.prefix"),
		},
		Events: EventsConfig{
			NATSURL:       v.GetString("events.nats_url"),
			SubjectPrefix: v.GetString("events.subject_prefix"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
	case "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required when database.driver=sqlite")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}

	switch c.Workflows.Source {
	case "file":
		if c.Workflows.File == "" {
			return fmt.Errorf("workflows.file is required when workflows.source=file")
		}
	case "database":
	default:
		return fmt.Errorf("workflows.source must be file or database, got %q", c.Workflows.Source)
	}

	switch c.Roles.Source {
	case "static", "redis":
	default:
		return fmt.Errorf("roles.source must be static or redis, got %q", c.Roles.Source)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// PostgresDSN returns the connection string for the postgres driver.
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
