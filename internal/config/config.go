package config

import (
	"fmt"
	"strings"
	"time"

	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/env"
)

// Config holds the call-service runtime configuration
type Config struct {
	Env  string
	Port string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// MailboxBackend selects the signaling mailbox transport: redis or memory
	MailboxBackend string

	ICEServers []string

	JanitorSweepInterval time.Duration
}

// Load reads configuration from the environment (or Docker secrets via the
// _FILE convention)
func Load() *Config {
	iceServers := constants.DefaultSTUNServers
	if raw := env.GetString("ICE_SERVERS", ""); raw != "" {
		iceServers = nil
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				iceServers = append(iceServers, s)
			}
		}
	}

	return &Config{
		Env:  env.GetString("ENV", "development"),
		Port: env.GetString("PORT", "8084"),

		DBHost:     env.GetString("DB_HOST", "localhost"),
		DBPort:     env.GetInt("DB_PORT", 26257),
		DBUser:     env.GetString("DB_USER", "root"),
		DBPassword: env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:     env.GetString("DB_NAME", "peercall"),
		DBSSLMode:  env.GetString("DB_SSLMODE", "disable"),

		RedisHost:     env.GetString("REDIS_HOST", "localhost"),
		RedisPort:     env.GetInt("REDIS_PORT", 6379),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),
		RedisDB:       env.GetInt("REDIS_DB", 0),

		MailboxBackend: env.GetString("MAILBOX_BACKEND", "redis"),

		ICEServers: iceServers,

		JanitorSweepInterval: env.GetDuration("JANITOR_SWEEP_INTERVAL", constants.DeferredWriteSweepInterval),
	}
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DBConnString returns the CockroachDB connection string
func (c *Config) DBConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}
