package config

import (
	"fmt"
	"path/filepath"
)

// LoadedConfig holds all configuration loaded from gatewayd.jsonc
type LoadedConfig struct {
	Port           int
	MaxClients     int
	AllowedOrigins []string
	TLS            TLSSection
	Auth           AuthSection
	Pool           PoolSection
	Session        SessionSection
	LanguageMap    map[string]string
	LSPServers     *LSPServerRegistry
	ConfigDir      string
}

// DefaultUnifiedConfig returns a UnifiedConfig populated with the gateway's defaults.
func DefaultUnifiedConfig() *UnifiedConfig {
	cfg := &UnifiedConfig{}
	applyUnifiedDefaults(cfg)
	return cfg
}

// LoadAll loads configuration from gatewayd.jsonc
func LoadAll(configDir string) (*LoadedConfig, error) {
	configPath, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}

	unified, err := LoadUnifiedConfig(configPath)
	if err != nil {
		return nil, err
	}

	return unified.ToLoadedConfig(filepath.Dir(configPath)), nil
}

// TLSEnabled reports whether the listener should terminate TLS.
func (c *LoadedConfig) TLSEnabled() bool {
	return c.TLS.CertPath != "" && c.TLS.KeyPath != ""
}

// Validate checks that required configuration is present
func (c *LoadedConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Auth.Required && c.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key is required when auth.required is true")
	}
	return nil
}
