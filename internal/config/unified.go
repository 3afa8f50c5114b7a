package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UnifiedConfig is the single configuration file format for gatewayd.jsonc
type UnifiedConfig struct {
	Port           int                  `json:"port"`
	MaxClients     int                  `json:"max_clients"`
	AllowedOrigins []string             `json:"allowed_origins"`
	TLS            TLSSection           `json:"tls"`
	Auth           AuthSection          `json:"auth"`
	Pool           PoolSection          `json:"pool"`
	Session        SessionSection       `json:"session"`
	LanguageMap    map[string]string    `json:"language_map"`
	LSPServers     map[string]LSPServerDefinition `json:"lsp_servers"`
}

// TLSSection configures wss and optional client-certificate validation.
type TLSSection struct {
	KeyPath  string `json:"key_path"`
	CertPath string `json:"cert_path"`
	CAPath   string `json:"ca_path,omitempty"`
}

// AuthSection configures bearer-token gating.
type AuthSection struct {
	Required      bool   `json:"required"`
	SecretKey     string `json:"secret_key"`
	TokenStorePath string `json:"token_store_path"`
}

// PoolSection configures LSP Pool lifecycle timings.
type PoolSection struct {
	IdleTimeoutMs   int `json:"idle_timeout_ms"`
	MaxRetries      int `json:"max_retries"`
	RestartDelayMs  int `json:"restart_delay_ms"`
	SweepIntervalMs int `json:"sweep_interval_ms"`
}

// SessionSection configures reconnection behavior.
type SessionSection struct {
	ReconnectionGraceMs int `json:"reconnection_grace_ms"`
}

// defaultLanguageMap is merged under any user-supplied language_map
// entries. Keys are bare extensions without the leading dot, the form the
// dispatcher looks up after trimming path.Ext's dot.
func defaultLanguageMap() map[string]string {
	return map[string]string{
		"ts":   "typescript",
		"tsx":  "typescript",
		"js":   "javascript",
		"jsx":  "javascript",
		"go":   "go",
		"py":   "python",
		"rs":   "rust",
		"rb":   "ruby",
		"java": "java",
	}
}

// FindConfigPath returns the path to gatewayd.jsonc using precedence:
// 1. configDir + /gatewayd.jsonc (if configDir specified)
// 2. ./config/gatewayd.jsonc (project-local)
// 3. ~/.gatewayd/config/gatewayd.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	candidates := []string{}

	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, "gatewayd.jsonc"))
	}

	candidates = append(candidates, filepath.Join("config", "gatewayd.jsonc"))

	homeDir, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".gatewayd", "config", "gatewayd.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("gatewayd.jsonc not found; tried: %v", candidates)
}

// LoadUnifiedConfig loads configuration from a single gatewayd.jsonc file
func LoadUnifiedConfig(configPath string) (*UnifiedConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	jsonData := StripJSONComments(data)

	var cfg UnifiedConfig
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	applyUnifiedDefaults(&cfg)

	if cfg.LSPServers == nil {
		cfg.LSPServers = make(map[string]LSPServerDefinition)
	}

	return &cfg, nil
}

func applyUnifiedDefaults(cfg *UnifiedConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}

	if cfg.Auth.TokenStorePath == "" {
		cfg.Auth.TokenStorePath = "data/tokens.db"
	}

	if cfg.Pool.IdleTimeoutMs == 0 {
		cfg.Pool.IdleTimeoutMs = 60 * 1000
	}
	if cfg.Pool.MaxRetries == 0 {
		cfg.Pool.MaxRetries = 3
	}
	if cfg.Pool.RestartDelayMs == 0 {
		cfg.Pool.RestartDelayMs = 2 * 1000
	}
	if cfg.Pool.SweepIntervalMs == 0 {
		cfg.Pool.SweepIntervalMs = 30 * 1000
	}

	if cfg.Session.ReconnectionGraceMs == 0 {
		cfg.Session.ReconnectionGraceMs = 60 * 1000
	}

	// User entries may spell extensions with or without a leading dot;
	// normalize to the dotless form the defaults use.
	merged := defaultLanguageMap()
	for ext, lang := range cfg.LanguageMap {
		merged[strings.TrimPrefix(ext, ".")] = lang
	}
	cfg.LanguageMap = merged
}

// ToLoadedConfig converts UnifiedConfig to LoadedConfig, the shape the rest of
// gatewayd's components depend on.
func (u *UnifiedConfig) ToLoadedConfig(configDir string) *LoadedConfig {
	return &LoadedConfig{
		Port:           u.Port,
		MaxClients:     u.MaxClients,
		AllowedOrigins: u.AllowedOrigins,
		TLS:            u.TLS,
		Auth:           u.Auth,
		Pool:           u.Pool,
		Session:        u.Session,
		LanguageMap:    u.LanguageMap,
		LSPServers:     &LSPServerRegistry{Servers: u.LSPServers},
		ConfigDir:      configDir,
	}
}

// Validate checks that required configuration is present
func (u *UnifiedConfig) Validate() error {
	if u.Port <= 0 || u.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
	}
	if u.Auth.Required && u.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key is required when auth.required is true")
	}
	if u.TLS.CertPath != "" && u.TLS.KeyPath == "" {
		return fmt.Errorf("tls.key_path is required when tls.cert_path is set")
	}
	return nil
}
