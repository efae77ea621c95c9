package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mousefox/mousefox/server"
)

// Config is everything the binary can be told. Precedence, strongest last:
// defaults, YAML file, MOUSEFOX_* environment, flags.
type Config struct {
	Port                 int           `yaml:"port" env:"MOUSEFOX_PORT"`
	Scope                string        `yaml:"scope" env:"MOUSEFOX_SCOPE"`
	AdminPassword        string        `yaml:"admin_password" env:"MOUSEFOX_ADMIN_PASSWORD"`
	MaxSessions          int           `yaml:"max_sessions" env:"MOUSEFOX_MAX_SESSIONS"`
	MaxClientsPerSession int           `yaml:"max_clients_per_session" env:"MOUSEFOX_MAX_CLIENTS_PER_SESSION"`
	SessionIdleTimeout   time.Duration `yaml:"session_idle_timeout" env:"MOUSEFOX_SESSION_IDLE_TIMEOUT"`
	CreateRequiresAdmin  bool          `yaml:"create_requires_admin" env:"MOUSEFOX_CREATE_REQUIRES_ADMIN"`
	PushSnapshots        bool          `yaml:"push_snapshots" env:"MOUSEFOX_PUSH_SNAPSHOTS"`
	MaxConns             int           `yaml:"max_conns" env:"MOUSEFOX_MAX_CONNS"`
	NATSURL              string        `yaml:"nats_url" env:"MOUSEFOX_NATS_URL"`
	LogLevel             string        `yaml:"log_level" env:"MOUSEFOX_LOG_LEVEL"`
}

func defaultConfig() Config {
	return Config{
		Port:               server.DefaultPort,
		Scope:              string(server.ScopeLocal),
		MaxSessions:        64,
		SessionIdleTimeout: 10 * time.Minute,
		MaxConns:           1024,
		LogLevel:           "info",
	}
}

func loadConfig(args []string) (Config, error) {
	fs := flag.NewFlagSet("mousefox-server", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	scope := fs.String("scope", "", "listen scope: local or global")
	port := fs.Int("port", 0, "listen port")
	adminPassword := fs.String("admin-password", "", "password granting the admin role")
	maxSessions := fs.Int("max-sessions", 0, "maximum concurrently hosted games")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	// Only flags that were actually set override the layers below.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "scope":
			cfg.Scope = *scope
		case "port":
			cfg.Port = *port
		case "admin-password":
			cfg.AdminPassword = *adminPassword
		case "max-sessions":
			cfg.MaxSessions = *maxSessions
		}
	})
	return cfg, nil
}

func (c Config) policy() server.Policy {
	return server.Policy{
		Scope:                server.Scope(c.Scope),
		AdminPassword:        c.AdminPassword,
		CreateRequiresAdmin:  c.CreateRequiresAdmin,
		MaxSessions:          c.MaxSessions,
		MaxClientsPerSession: c.MaxClientsPerSession,
		SessionIdleTimeout:   c.SessionIdleTimeout,
		PushSnapshots:        c.PushSnapshots,
	}
}
