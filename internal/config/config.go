package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/joho/godotenv"
)

// Config holds application configuration, loaded from the environment.
type Config struct {
	ServerPort string
	DBPath     string
	LogLevel   string
	LogDir     string

	// SharedSecret is the bearer token every provisioning request must carry.
	SharedSecret string

	// SignaldURL is the websocket URL of the signald daemon.
	SignaldURL string

	// DefaultDeviceName is used when a link request does not name the device.
	DefaultDeviceName string

	// AdminUsers are mxids granted the admin permission level.
	AdminUsers []string

	// StatusEndpoint, when set, receives bridge state pushes. StatusToken is
	// sent as the bearer token on those pushes.
	StatusEndpoint string
	StatusToken    string
}

// Load reads configuration from a .env file (if present) and the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:        getEnv("SERVER_PORT", "29328"),
		DBPath:            getEnv("DB_PATH", "data/bridge.db"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogDir:            getEnv("LOG_DIR", "logs"),
		SharedSecret:      os.Getenv("SHARED_SECRET"),
		SignaldURL:        getEnv("SIGNALD_URL", "ws://localhost:15432/v1"),
		DefaultDeviceName: getEnv("DEVICE_NAME", "Signal Bridge"),
		StatusEndpoint:    os.Getenv("STATUS_ENDPOINT"),
		StatusToken:       os.Getenv("STATUS_TOKEN"),
	}

	if admins := os.Getenv("ADMIN_USERS"); admins != "" {
		for _, mxid := range strings.Split(admins, ",") {
			if mxid = strings.TrimSpace(mxid); mxid != "" {
				cfg.AdminUsers = append(cfg.AdminUsers, mxid)
			}
		}
	}

	if cfg.SharedSecret == "" {
		return nil, errors.New("SHARED_SECRET is required")
	}
	return cfg, nil
}

// PermissionLevel returns the permission level for an mxid.
func (c *Config) PermissionLevel(mxid string) string {
	for _, admin := range c.AdminUsers {
		if admin == mxid {
			return "admin"
		}
	}
	return "user"
}

// GetCorsConfig returns the permissive CORS configuration used by every
// provisioning endpoint.
func (c *Config) GetCorsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Content-Type"}
	corsConfig.MaxAge = 12 * time.Hour
	return corsConfig
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
