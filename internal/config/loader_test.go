package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadUnifiedConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("valid unified config", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "valid.jsonc")
		configJSON := `{
			// Test config
			"port": 9000,
			"max_clients": 200,
			"auth": {"required": true, "secret_key": "shh", "token_store_path": "data/tokens.db"},
			"pool": {"idle_timeout_ms": 1000, "max_retries": 5, "restart_delay_ms": 200, "sweep_interval_ms": 250},
			"session": {"reconnection_grace_ms": 15000},
			"language_map": {".zig": "zig"},
			"lsp_servers": {
				"go": {"command": "gopls"}
			}
		}`
		_ = os.WriteFile(configPath, []byte(configJSON), 0o644)

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Port != 9000 {
			t.Errorf("Port = %d, want 9000", cfg.Port)
		}
		if cfg.MaxClients != 200 {
			t.Errorf("MaxClients = %d, want 200", cfg.MaxClients)
		}
		if !cfg.Auth.Required || cfg.Auth.SecretKey != "shh" {
			t.Errorf("Auth = %+v, want required with secret shh", cfg.Auth)
		}
		if cfg.Pool.MaxRetries != 5 {
			t.Errorf("Pool.MaxRetries = %d, want 5", cfg.Pool.MaxRetries)
		}
		if cfg.LanguageMap["zig"] != "zig" {
			t.Errorf("LanguageMap[zig] = %q, want zig (dotted user keys are normalized)", cfg.LanguageMap["zig"])
		}
		if cfg.LanguageMap["go"] != "go" {
			t.Error("expected built-in language_map defaults to survive a merge")
		}
		if len(cfg.LSPServers) != 1 {
			t.Errorf("len(LSPServers) = %d, want 1", len(cfg.LSPServers))
		}
	})

	t.Run("JSONC comments are stripped", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "comments.jsonc")
		configJSON := `{
			// Line comment
			"port": 8080,
			/* Block comment */
			"max_clients": 50
		}`
		_ = os.WriteFile(configPath, []byte(configJSON), 0o644)

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Port != 8080 {
			t.Errorf("Port = %d, want 8080", cfg.Port)
		}
	})

	t.Run("applies defaults for missing fields", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "minimal.jsonc")
		_ = os.WriteFile(configPath, []byte(`{}`), 0o644)

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Port != 8080 {
			t.Errorf("Port = %d, want default 8080", cfg.Port)
		}
		if cfg.Pool.MaxRetries != 3 {
			t.Errorf("Pool.MaxRetries = %d, want default 3", cfg.Pool.MaxRetries)
		}
		if cfg.Pool.IdleTimeoutMs != 60000 {
			t.Errorf("Pool.IdleTimeoutMs = %d, want default 60000", cfg.Pool.IdleTimeoutMs)
		}
		if cfg.Pool.RestartDelayMs != 2000 {
			t.Errorf("Pool.RestartDelayMs = %d, want default 2000", cfg.Pool.RestartDelayMs)
		}
		if cfg.Session.ReconnectionGraceMs != 60000 {
			t.Errorf("Session.ReconnectionGraceMs = %d, want default 60000", cfg.Session.ReconnectionGraceMs)
		}
	})

	t.Run("invalid JSON returns error", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "invalid.jsonc")
		_ = os.WriteFile(configPath, []byte("not json"), 0o644)

		_, err := LoadUnifiedConfig(configPath)
		if err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("finds config in specified dir", func(t *testing.T) {
		configDir := filepath.Join(tmpDir, "custom")
		_ = os.MkdirAll(configDir, 0o755)
		_ = os.WriteFile(filepath.Join(configDir, "gatewayd.jsonc"), []byte("{}"), 0o644)

		path, err := FindConfigPath(configDir)
		if err != nil {
			t.Fatalf("FindConfigPath() error = %v", err)
		}
		if filepath.Base(path) != "gatewayd.jsonc" {
			t.Errorf("FindConfigPath() = %q, want gatewayd.jsonc", path)
		}
	})

	t.Run("error when config not found", func(t *testing.T) {
		_, err := FindConfigPath(filepath.Join(tmpDir, "nonexistent"))
		if err == nil {
			t.Error("expected error when config not found")
		}
	})
}

func TestLoadAll(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("loads unified config", func(t *testing.T) {
		configDir := filepath.Join(tmpDir, "all")
		_ = os.MkdirAll(configDir, 0o755)

		configJSON := `{
			"port": 7000,
			"pool": {"max_retries": 10},
			"lsp_servers": {"typescript": {"command": "typescript-language-server", "args": ["--stdio"]}}
		}`
		_ = os.WriteFile(filepath.Join(configDir, "gatewayd.jsonc"), []byte(configJSON), 0o644)

		cfg, err := LoadAll(configDir)
		if err != nil {
			t.Fatalf("LoadAll() error = %v", err)
		}
		if cfg.Port != 7000 {
			t.Errorf("Port = %d, want 7000", cfg.Port)
		}
		if cfg.Pool.MaxRetries != 10 {
			t.Errorf("Pool.MaxRetries = %d, want 10", cfg.Pool.MaxRetries)
		}
		if !cfg.LSPServers.HasServer("typescript") {
			t.Error("expected typescript LSP server to be loaded")
		}
	})
}

func TestLoadedConfig_Validate(t *testing.T) {
	t.Run("default config is valid", func(t *testing.T) {
		cfg := DefaultUnifiedConfig().ToLoadedConfig("")
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("auth required without secret key is invalid", func(t *testing.T) {
		cfg := DefaultUnifiedConfig().ToLoadedConfig("")
		cfg.Auth.Required = true
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() = nil, want error for missing secret_key")
		}
	})

	t.Run("out of range port is invalid", func(t *testing.T) {
		cfg := DefaultUnifiedConfig().ToLoadedConfig("")
		cfg.Port = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() = nil, want error for invalid port")
		}
	})
}
