package actionsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Credential is a workspace's token pair for one external platform.
type Credential struct {
	WorkspaceID  string     `json:"workspaceId"`
	Platform     string     `json:"platform"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

type CredentialStore interface {
	// GetCredential returns ErrNoCredential when the workspace never connected the platform.
	GetCredential(ctx context.Context, workspaceID, platform string) (Credential, error)
	UpdateAccessToken(ctx context.Context, workspaceID, platform, accessToken string, expiresAt *time.Time) error
}

type RefreshedToken struct {
	AccessToken string
	ExpiresIn   time.Duration
}

type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (RefreshedToken, error)
}

type credentialKey struct {
	workspaceID string
	platform    string
}

func newCredentialKey(workspaceID, platform string) credentialKey {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		platform = PlatformYouTube
	}
	return credentialKey{workspaceID: strings.TrimSpace(workspaceID), platform: platform}
}

type InMemoryCredentialStore struct {
	mu          sync.Mutex
	credentials map[credentialKey]Credential
}

func NewInMemoryCredentialStore() *InMemoryCredentialStore {
	return &InMemoryCredentialStore{credentials: map[credentialKey]Credential{}}
}

func (s *InMemoryCredentialStore) Put(cred Credential) {
	key := newCredentialKey(cred.WorkspaceID, cred.Platform)
	cred.WorkspaceID = key.workspaceID
	cred.Platform = key.platform
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[key] = cred
}

func (s *InMemoryCredentialStore) GetCredential(ctx context.Context, workspaceID, platform string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[newCredentialKey(workspaceID, platform)]
	if !ok {
		return Credential{}, ErrNoCredential
	}
	return cred, nil
}

func (s *InMemoryCredentialStore) UpdateAccessToken(ctx context.Context, workspaceID, platform, accessToken string, expiresAt *time.Time) error {
	if strings.TrimSpace(accessToken) == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := newCredentialKey(workspaceID, platform)
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[key]
	if !ok {
		return ErrNoCredential
	}
	cred.AccessToken = accessToken
	cred.ExpiresAt = expiresAt
	s.credentials[key] = cred
	return nil
}

const sqlCredentialTableName = "platform_credentials"

type SQLCredentialStore struct {
	core      *sqlCore
	tableName string
}

func NewPostgresCredentialStore(dsn string) (*SQLCredentialStore, error) {
	return newSQLCredentialStore(postgresDialect, dsn)
}

func NewSQLiteCredentialStore(dsn string) (*SQLCredentialStore, error) {
	return newSQLCredentialStore(sqliteDialect, dsn)
}

func newSQLCredentialStore(dialect sqlDialect, dsn string) (*SQLCredentialStore, error) {
	s := &SQLCredentialStore{tableName: sqlCredentialTableName}
	core, err := newSQLCore(dialect, dsn, s.schema)
	if err != nil {
		return nil, err
	}
	s.core = core
	return s, nil
}

func (s *SQLCredentialStore) schema(d sqlDialect) []string {
	return []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			workspace_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at %[2]s NULL,
			updated_at %[2]s NOT NULL,
			PRIMARY KEY (workspace_id, platform)
		)`, d.quote(s.tableName), d.timestampType)}
}

func (s *SQLCredentialStore) GetCredential(ctx context.Context, workspaceID, platform string) (Credential, error) {
	if err := s.core.ensureReady(); err != nil {
		return Credential{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	key := newCredentialKey(workspaceID, platform)
	d := s.core.dialect
	query := fmt.Sprintf(`
		SELECT access_token, refresh_token, expires_at FROM %s
		WHERE workspace_id = %s AND platform = %s`,
		d.quote(s.tableName), d.ph(1), d.ph(2))
	cred := Credential{WorkspaceID: key.workspaceID, Platform: key.platform}
	var expiresAt sql.NullTime
	err := s.core.db.QueryRowContext(ctx, query, key.workspaceID, key.platform).Scan(&cred.AccessToken, &cred.RefreshToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNoCredential
	}
	if err != nil {
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	cred.ExpiresAt = timePtr(expiresAt)
	return cred, nil
}

func (s *SQLCredentialStore) UpdateAccessToken(ctx context.Context, workspaceID, platform, accessToken string, expiresAt *time.Time) error {
	if strings.TrimSpace(accessToken) == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	key := newCredentialKey(workspaceID, platform)
	d := s.core.dialect
	query := fmt.Sprintf(`
		UPDATE %s SET access_token = %s, expires_at = %s, updated_at = %s
		WHERE workspace_id = %s AND platform = %s`,
		d.quote(s.tableName), d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5))
	result, err := s.core.db.ExecContext(ctx, query, accessToken, nullableTime(expiresAt), time.Now().UTC(), key.workspaceID, key.platform)
	if err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update access token: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNoCredential
	}
	return nil
}

// PutCredential upserts a full token pair. Connection flows call this after an
// authorization-code exchange.
func (s *SQLCredentialStore) PutCredential(ctx context.Context, cred Credential) error {
	key := newCredentialKey(cred.WorkspaceID, cred.Platform)
	if key.workspaceID == "" || strings.TrimSpace(cred.AccessToken) == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	d := s.core.dialect
	query := fmt.Sprintf(`
		INSERT INTO %s (workspace_id, platform, access_token, refresh_token, expires_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s)
		ON CONFLICT (workspace_id, platform)
		DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		d.quote(s.tableName), d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6))
	_, err := s.core.db.ExecContext(ctx, query,
		key.workspaceID, key.platform, cred.AccessToken, cred.RefreshToken, nullableTime(cred.ExpiresAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *SQLCredentialStore) Close() error {
	if s == nil {
		return nil
	}
	return s.core.close()
}
