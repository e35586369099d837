package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/chronicle-db/chronicle/internal/db"
)

// Server holds HTTP listener configuration.
type Server struct {
	Addr           string
	AllowedOrigins []string
}

// Config is the full service configuration.
type Config struct {
	Database      db.Config
	Server        Server
	UniqueCurrent []db.UniqueCurrentGroup
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		Server: Server{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load reads config.yaml from configPath, with DB_* environment overrides
// for the database section. A missing file is not an error: defaults plus
// environment variables apply.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("DB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}

	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	if v.IsSet("versioning.unique_current") {
		var groups []struct {
			EntityType string   `mapstructure:"entity_type"`
			Properties []string `mapstructure:"properties"`
		}
		if err := v.UnmarshalKey("versioning.unique_current", &groups); err != nil {
			return Config{}, fmt.Errorf("failed to parse versioning.unique_current: %w", err)
		}
		for _, g := range groups {
			cfg.UniqueCurrent = append(cfg.UniqueCurrent, db.UniqueCurrentGroup{
				EntityType: g.EntityType,
				Properties: g.Properties,
			})
		}
	}

	return cfg, nil
}
