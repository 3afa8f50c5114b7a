package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pleme-io/lspmux/internal/audit"
)

const tokenPrefix = "gw_"

var (
	ErrTokenNotFound     = errors.New("token not found")
	ErrTokenExpired      = errors.New("token expired")
	ErrInvalidToken      = errors.New("invalid token format")
	ErrProjectMismatch   = errors.New("token project does not match declared project")
	ErrMissingPermission = errors.New("token missing required permission")
)

// Store persists bearer tokens in a pure-Go SQLite database. Tokens are the
// only durable state the gateway keeps across restarts — sessions, pool
// entries, and caches are all rebuilt from scratch on boot.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if absent) the token database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "auth.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		project_id TEXT NOT NULL,
		permissions TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_project ON tokens(project_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateToken issues a new token bound to projectID with the given
// permission set. Returns the stored record; its ID is the raw bearer token.
func (s *Store) CreateToken(name, projectID string, permissions []Permission, expiresAt *time.Time) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	id := tokenPrefix + hex.EncodeToString(raw)

	token := &Token{
		ID:          id,
		Name:        name,
		ProjectID:   projectID,
		Permissions: permissions,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
	}

	_, err := s.db.Exec(
		`INSERT INTO tokens (id, name, project_id, permissions, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		token.ID, token.Name, token.ProjectID, strings.Join(permissionsToStrings(permissions), ","), token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert token: %w", err)
	}
	audit.LogSuccess(audit.OpTokenCreate, token.ID, token.ProjectID)
	return token, nil
}

// ValidateToken looks up tokenID, checking expiration, and records last-used
// asynchronously.
func (s *Store) ValidateToken(tokenID string) (*Token, error) {
	if !strings.HasPrefix(tokenID, tokenPrefix) {
		return nil, ErrInvalidToken
	}

	var token Token
	var perms string
	var lastUsedAt, expiresAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT id, name, project_id, permissions, created_at, last_used_at, expires_at FROM tokens WHERE id = ?`,
		tokenID,
	).Scan(&token.ID, &token.Name, &token.ProjectID, &perms, &token.CreatedAt, &lastUsedAt, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}

	token.Permissions = stringsToPermissions(strings.Split(perms, ","))

	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
		if time.Now().After(expiresAt.Time) {
			return nil, ErrTokenExpired
		}
	}

	go s.updateLastUsed(tokenID)
	return &token, nil
}

// Authenticate validates tokenID and checks it against declaredProjectID and
// the fixed required permission set — the full handshake gate in one call.
func (s *Store) Authenticate(tokenID, declaredProjectID string) (*AuthContext, error) {
	token, err := s.ValidateToken(tokenID)
	if err != nil {
		return nil, err
	}
	if token.ProjectID != declaredProjectID {
		return nil, ErrProjectMismatch
	}
	if !token.HasAllRequired() {
		return nil, ErrMissingPermission
	}
	return &AuthContext{Token: token}, nil
}

func (s *Store) updateLastUsed(tokenID string) {
	_, _ = s.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE id = ?`, time.Now(), tokenID)
}

// ListTokens returns every token, newest first.
func (s *Store) ListTokens() ([]*Token, error) {
	rows, err := s.db.Query(
		`SELECT id, name, project_id, permissions, created_at, last_used_at, expires_at FROM tokens ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		var token Token
		var perms string
		var lastUsedAt, expiresAt sql.NullTime

		if err := rows.Scan(&token.ID, &token.Name, &token.ProjectID, &perms, &token.CreatedAt, &lastUsedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		token.Permissions = stringsToPermissions(strings.Split(perms, ","))
		if lastUsedAt.Valid {
			token.LastUsedAt = &lastUsedAt.Time
		}
		if expiresAt.Valid {
			token.ExpiresAt = &expiresAt.Time
		}
		tokens = append(tokens, &token)
	}
	return tokens, rows.Err()
}

// RevokeToken deletes a token by id.
func (s *Store) RevokeToken(tokenID string) error {
	result, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTokenNotFound
	}
	audit.LogSuccess(audit.OpTokenRevoke, tokenID, "")
	return nil
}

// GetToken is an alias of ValidateToken: it rejects an expired token with
// ErrTokenExpired and records the lookup as a use.
func (s *Store) GetToken(tokenID string) (*Token, error) {
	return s.ValidateToken(tokenID)
}
