package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pleme-io/lspmux/internal/auth"
	"github.com/pleme-io/lspmux/internal/config"
	"github.com/pleme-io/lspmux/internal/fsbridge"
	"github.com/pleme-io/lspmux/internal/logger"
	"github.com/pleme-io/lspmux/internal/mcp"
	"github.com/pleme-io/lspmux/internal/pool"
	"github.com/pleme-io/lspmux/internal/session"
	"github.com/pleme-io/lspmux/internal/wsfront"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			cmdToken(os.Args[2:])
			return
		case "config":
			cmdConfig(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("gatewayd %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`gatewayd %s - LSP-multiplexing MCP gateway

Usage: gatewayd [command] [options]

Commands:
  (default)      Start the gateway server
  token          Manage authentication tokens
  config         Validate configuration

Server Options:
  --config <dir>   Directory holding gatewayd.jsonc (default: ./config or ~/.gatewayd/config)
  --data <dir>     Data directory for the auth/token store and logs (default: ./data)

Examples:
  gatewayd                          Start the server (auto-detect config)
  gatewayd --config /etc/gatewayd   Start with a specific config directory
  gatewayd token create --project proj1 --name "Editor Token"
  gatewayd config validate
`, Version)
}

func runServer() {
	configDir := flag.String("config", "", "Directory holding gatewayd.jsonc")
	dataDir := flag.String("data", "data", "Data directory for the token store and logs")
	jsonLogs := flag.Bool("json-logs", false, "Emit structured JSON logs instead of text")
	flag.Parse()

	cfg, err := config.LoadAll(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: configuration error: %v\n", err)
		os.Exit(1)
	}

	logDir := filepath.Join(*dataDir, "logs")
	if err := logger.Init(logDir, *jsonLogs); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	logger.L().Info("starting gatewayd", "version", Version, "port", cfg.Port)

	tokenStorePath := cfg.Auth.TokenStorePath
	if !filepath.IsAbs(tokenStorePath) {
		tokenStorePath = filepath.Join(*dataDir, filepath.Base(tokenStorePath))
	}
	if err := os.MkdirAll(filepath.Dir(tokenStorePath), 0o755); err != nil {
		logger.L().Error("failed to create token store directory", "error", err)
		os.Exit(1)
	}
	authStore, err := auth.NewStore(filepath.Dir(tokenStorePath))
	if err != nil {
		logger.L().Error("failed to open auth store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = authStore.Close() }()

	// Settle any children a previous unclean shutdown left behind before
	// spawning new ones against the same pid file.
	pidFilePath := filepath.Join(*dataDir, "lsp-children.pids")
	if err := pool.ReapStalePids(pidFilePath); err != nil {
		logger.L().Warn("stale lsp child reaping failed", "error", err)
	}

	p := pool.New(pool.Config{
		IdleTimeout:   time.Duration(cfg.Pool.IdleTimeoutMs) * time.Millisecond,
		MaxRetries:    cfg.Pool.MaxRetries,
		RestartDelay:  time.Duration(cfg.Pool.RestartDelayMs) * time.Millisecond,
		SweepInterval: time.Duration(cfg.Pool.SweepIntervalMs) * time.Millisecond,
		PidFilePath:   pidFilePath,
	})
	defer func() {
		if err := p.Stop(); err != nil {
			logger.L().Warn("pool teardown reported failures", "error", err)
		}
	}()

	bridge := fsbridge.New()
	dispatcher := mcp.New(p, bridge, cfg.LSPServers, cfg.LanguageMap)
	mcp.RegisterBuiltins(dispatcher)

	sessions := session.New(time.Duration(cfg.Session.ReconnectionGraceMs) * time.Millisecond)

	srv := wsfront.NewServer(wsfront.Config{
		MaxClients:     cfg.MaxClients,
		AllowedOrigins: cfg.AllowedOrigins,
		ServerVersion:  Version,
		AuthRequired:   cfg.Auth.Required,
		SecretKey:      cfg.Auth.SecretKey,
		TLSEnabled:     cfg.TLSEnabled(),
		Sessions:       sessions,
		AuthStore:      authStore,
		Dispatcher:     dispatcher,
		Bridge:         bridge,
		Pool:           p,
	})
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}
	if cfg.TLSEnabled() {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			logger.L().Error("failed to load TLS configuration", "error", err)
			os.Exit(1)
		}
		httpSrv.TLSConfig = tlsConfig
	}

	// Bind explicitly so a failure here gets its own exit code, distinct
	// from a fatal error once the server is already running.
	listener, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		logger.L().Error("failed to bind listener", "addr", httpSrv.Addr, "error", err)
		_ = p.Stop()
		os.Exit(2)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			logger.L().Info("listening", "addr", httpSrv.Addr, "tls", true)
			err = httpSrv.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			logger.L().Info("listening", "addr", httpSrv.Addr, "tls", false)
			err = httpSrv.Serve(listener)
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.L().Error("server error", "error", err)
		_ = p.Stop()
		os.Exit(3)
	case sig := <-shutdownChan:
		logger.L().Info("received signal, shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.L().Warn("graceful shutdown did not complete cleanly", "error", err)
		}
		logger.L().Info("shutdown complete")
	}
}

// buildTLSConfig loads the server certificate and, if a CA path was
// configured, requires and verifies client certificates against it.
func buildTLSConfig(sec config.TLSSection) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(sec.CertPath, sec.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if sec.CAPath != "" {
		caBytes, err := os.ReadFile(sec.CAPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no valid certificates found in %s", sec.CAPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

func cmdConfig(args []string) {
	if len(args) < 1 || args[0] != "validate" {
		fmt.Println("Usage: gatewayd config validate [--config <dir>]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("config validate", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory holding gatewayd.jsonc")
	_ = fs.Parse(args[1:])

	cfg, err := config.LoadAll(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid.")
	fmt.Printf("  port:            %d\n", cfg.Port)
	fmt.Printf("  max_clients:     %d (0 = unlimited)\n", cfg.MaxClients)
	fmt.Printf("  allowed_origins: %v (empty = allow any)\n", cfg.AllowedOrigins)
	fmt.Printf("  tls:             %v\n", cfg.TLSEnabled())
	fmt.Printf("  auth.required:   %v\n", cfg.Auth.Required)
	fmt.Printf("  lsp_servers:     %d configured\n", len(cfg.LSPServers.Servers))
}

// cmdToken handles the 'token' subcommand for managing authentication tokens.
func cmdToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	dataDir := "data"
	for i, a := range args {
		if a == "--data" && i+1 < len(args) {
			dataDir = args[i+1]
		}
	}

	store, err := auth.NewStore(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "create":
		tokenCreate(store, cmdArgs)
	case "list":
		tokenList(store)
	case "revoke":
		tokenRevoke(store, cmdArgs)
	case "info":
		tokenInfo(store, cmdArgs)
	case "help", "-h", "--help":
		printTokenUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", cmd)
		printTokenUsage()
		os.Exit(1)
	}
}

func printTokenUsage() {
	fmt.Println(`Token Management

Usage: gatewayd token <command> [options]

Commands:
  create    Create a new bearer token, bound to one project
  list      List all tokens
  revoke    Revoke a token
  info      Get token details
  help      Show this help

Permission flags (for create):
  --permission <perm>   Repeatable. One of file:read, file:write, lsp:query.
                         A session cannot pass initialize unless its token
                         carries all three.

Examples:
  gatewayd token create --name "Editor Token" --project proj1 \
      --permission file:read --permission file:write --permission lsp:query
  gatewayd token list
  gatewayd token revoke gw_xxxx...
  gatewayd token info gw_xxxx...`)
}

func tokenCreate(store *auth.Store, args []string) {
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	name := fs.String("name", "", "Human-readable token name (required)")
	project := fs.String("project", "", "Project this token is bound to (required)")
	var perms stringSliceFlag
	fs.Var(&perms, "permission", "Permission to grant (repeatable): file:read, file:write, lsp:query")
	_ = fs.Parse(args)

	if *name == "" || *project == "" {
		fmt.Fprintln(os.Stderr, "Error: --name and --project are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	granted := make([]auth.Permission, 0, len(perms))
	for _, p := range perms {
		granted = append(granted, auth.Permission(p))
	}
	if len(granted) == 0 {
		granted = auth.RequiredPermissions
	}

	token, err := store.CreateToken(*name, *project, granted, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Token created successfully!")
	fmt.Println()
	fmt.Printf("Token:      %s\n", token.ID)
	fmt.Printf("Name:       %s\n", token.Name)
	fmt.Printf("Project:    %s\n", token.ProjectID)
	fmt.Printf("Permissions: %v\n", token.Permissions)
	fmt.Println()
	fmt.Println("IMPORTANT: save this token now. It cannot be retrieved later.")
}

func tokenList(store *auth.Store) {
	tokens, err := store.ListTokens()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tokens: %v\n", err)
		os.Exit(1)
	}

	if len(tokens) == 0 {
		fmt.Println("No tokens found.")
		fmt.Println()
		fmt.Println(`Create one with: gatewayd token create --name "My Token" --project proj1`)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPROJECT\tCREATED\tLAST USED")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t-------\t---------")

	for _, t := range tokens {
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = t.LastUsedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			maskTokenID(t.ID), t.Name, t.ProjectID, t.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
	}
	_ = w.Flush()
}

func tokenRevoke(store *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: token ID required")
		fmt.Fprintln(os.Stderr, "Usage: gatewayd token revoke <token_id>")
		os.Exit(1)
	}

	tokenID := args[0]
	if err := store.RevokeToken(tokenID); err != nil {
		fmt.Fprintf(os.Stderr, "Error revoking token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token %s revoked.\n", maskTokenID(tokenID))
}

func tokenInfo(store *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: token ID required")
		fmt.Fprintln(os.Stderr, "Usage: gatewayd token info <token_id>")
		os.Exit(1)
	}

	token, err := store.GetToken(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Token:       %s\n", maskTokenID(token.ID))
	fmt.Printf("Name:        %s\n", token.Name)
	fmt.Printf("Project:     %s\n", token.ProjectID)
	fmt.Printf("Permissions: %v\n", token.Permissions)
	fmt.Printf("Created:     %s\n", token.CreatedAt.Format("2006-01-02 15:04:05"))
	if token.LastUsedAt != nil {
		fmt.Printf("Last Used:   %s\n", token.LastUsedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Last Used:   never\n")
	}
	if token.ExpiresAt != nil {
		fmt.Printf("Expires:     %s\n", token.ExpiresAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Expires:     never\n")
	}
}

func maskTokenID(tokenID string) string {
	if len(tokenID) <= 12 {
		return "***"
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}

// stringSliceFlag collects repeated occurrences of a flag into a slice.
type stringSliceFlag []string

func (f *stringSliceFlag) String() string { return strings.Join(*f, ",") }
func (f *stringSliceFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}
