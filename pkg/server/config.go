package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Admin  AdminSection  `toml:"admin"`
}

type ServerSection struct {
	HTTPPort    int    `toml:"http_port"`
	ServicePath string `toml:"service_path"`
	DataPath    string `toml:"data_path"`
}

type AdminSection struct {
	// PasswordHash is a bcrypt hash of the shared moderation secret.
	// Moderation actions are refused while it is empty.
	PasswordHash string `toml:"password_hash"`
}

// envOverrides are applied on top of the config file. Prefix: LIGHTPROXY_.
type envOverrides struct {
	HTTPPort          int    `envconfig:"HTTP_PORT"`
	ServicePath       string `envconfig:"SERVICE_PATH"`
	DataPath          string `envconfig:"DATA_PATH"`
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:    1100,
			ServicePath: "/profiles/ws",
			DataPath:    "~/.lightproxy/profiles.json",
		},
		Admin: AdminSection{
			PasswordHash: "",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// if none exists, then applies LIGHTPROXY_* environment overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()
	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		// File doesn't exist, write the defaults. If writing fails we can
		// still run with them.
		if err := writeDefaultConfig(expanded, config); err != nil {
			return applyEnv(config)
		}
		return applyEnv(config)
	}

	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnv(config)
}

func applyEnv(config TOMLConfig) (TOMLConfig, error) {
	var env envOverrides
	if err := envconfig.Process("lightproxy", &env); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.HTTPPort != 0 {
		config.Server.HTTPPort = env.HTTPPort
	}
	if env.ServicePath != "" {
		config.Server.ServicePath = env.ServicePath
	}
	if env.DataPath != "" {
		config.Server.DataPath = env.DataPath
	}
	if env.AdminPasswordHash != "" {
		config.Admin.PasswordHash = env.AdminPasswordHash
	}
	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Lightproxy profiles server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.ServicePath) != "" {
		cfg.ServicePath = c.Server.ServicePath
	}
	cfg.AdminPasswordHash = c.Admin.PasswordHash

	return cfg
}

// GetDataPath returns the state file path with ~ expanded
func (c *TOMLConfig) GetDataPath() (string, error) {
	return expandHome(c.Server.DataPath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
