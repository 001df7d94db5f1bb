package actionsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AnalyticsFact records that a user performed an action on a post. It is the
// user-visible effect of the action and is written at most once per key.
type AnalyticsFact struct {
	ID               string    `json:"id"`
	WorkspaceID      string    `json:"workspaceId"`
	EntityID         string    `json:"entityId"`
	UserID           string    `json:"userId"`
	ActionType       string    `json:"actionType"`
	ExternalEntityID string    `json:"externalEntityId,omitempty"`
	Platform         string    `json:"platform,omitempty"`
	Metadata         Metadata  `json:"metadata,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type factKey struct {
	workspaceID string
	entityID    string
	userID      string
	actionType  string
}

func (f AnalyticsFact) key() factKey {
	return factKey{
		workspaceID: f.WorkspaceID,
		entityID:    f.EntityID,
		userID:      f.UserID,
		actionType:  f.ActionType,
	}
}

func (f AnalyticsFact) normalize() (AnalyticsFact, error) {
	f.WorkspaceID = strings.TrimSpace(f.WorkspaceID)
	f.EntityID = strings.TrimSpace(f.EntityID)
	f.UserID = strings.TrimSpace(f.UserID)
	f.ActionType = strings.ToLower(strings.TrimSpace(f.ActionType))
	f.ExternalEntityID = strings.TrimSpace(f.ExternalEntityID)
	f.Platform = strings.ToLower(strings.TrimSpace(f.Platform))
	if f.WorkspaceID == "" || f.EntityID == "" || f.UserID == "" || f.ActionType == "" {
		return AnalyticsFact{}, ErrInvalidInput
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	f.CreatedAt = f.CreatedAt.UTC()
	f.Metadata = f.Metadata.Clone()
	return f, nil
}

type AnalyticsStore interface {
	Exists(ctx context.Context, workspaceID, entityID, userID, actionType string) (bool, error)
	// Insert reports inserted=false when a fact with the same key already exists.
	Insert(ctx context.Context, fact AnalyticsFact) (inserted bool, err error)
	Close() error
}

type InMemoryAnalyticsStore struct {
	mu    sync.Mutex
	facts map[factKey]AnalyticsFact
}

func NewInMemoryAnalyticsStore() *InMemoryAnalyticsStore {
	return &InMemoryAnalyticsStore{facts: map[factKey]AnalyticsFact{}}
}

func (s *InMemoryAnalyticsStore) Exists(ctx context.Context, workspaceID, entityID, userID, actionType string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := factKey{
		workspaceID: strings.TrimSpace(workspaceID),
		entityID:    strings.TrimSpace(entityID),
		userID:      strings.TrimSpace(userID),
		actionType:  strings.ToLower(strings.TrimSpace(actionType)),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.facts[key]
	return ok, nil
}

func (s *InMemoryAnalyticsStore) Insert(ctx context.Context, fact AnalyticsFact) (bool, error) {
	fact, err := fact.normalize()
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[fact.key()]; ok {
		return false, nil
	}
	s.facts[fact.key()] = fact
	return true, nil
}

func (s *InMemoryAnalyticsStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts)
}

func (s *InMemoryAnalyticsStore) Close() error {
	return nil
}

const sqlAnalyticsTableName = "post_action_facts"

type SQLAnalyticsStore struct {
	core      *sqlCore
	tableName string
}

func NewPostgresAnalyticsStore(dsn string) (*SQLAnalyticsStore, error) {
	return newSQLAnalyticsStore(postgresDialect, dsn)
}

func NewSQLiteAnalyticsStore(dsn string) (*SQLAnalyticsStore, error) {
	return newSQLAnalyticsStore(sqliteDialect, dsn)
}

func newSQLAnalyticsStore(dialect sqlDialect, dsn string) (*SQLAnalyticsStore, error) {
	s := &SQLAnalyticsStore{tableName: sqlAnalyticsTableName}
	core, err := newSQLCore(dialect, dsn, s.schema)
	if err != nil {
		return nil, err
	}
	s.core = core
	return s, nil
}

func (s *SQLAnalyticsStore) schema(d sqlDialect) []string {
	return []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			external_entity_id TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at %s NOT NULL,
			UNIQUE (workspace_id, entity_id, user_id, action_type)
		)`, d.quote(s.tableName), d.timestampType)}
}

func (s *SQLAnalyticsStore) Exists(ctx context.Context, workspaceID, entityID, userID, actionType string) (bool, error) {
	if err := s.core.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	d := s.core.dialect
	query := fmt.Sprintf(`
		SELECT COUNT(1) FROM %s
		WHERE workspace_id = %s AND entity_id = %s AND user_id = %s AND action_type = %s`,
		d.quote(s.tableName), d.ph(1), d.ph(2), d.ph(3), d.ph(4))
	var count int
	err := s.core.db.QueryRowContext(ctx, query,
		strings.TrimSpace(workspaceID),
		strings.TrimSpace(entityID),
		strings.TrimSpace(userID),
		strings.ToLower(strings.TrimSpace(actionType)),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("analytics exists: %w", err)
	}
	return count > 0, nil
}

func (s *SQLAnalyticsStore) Insert(ctx context.Context, fact AnalyticsFact) (bool, error) {
	fact, err := fact.normalize()
	if err != nil {
		return false, err
	}
	if err := s.core.ensureReady(); err != nil {
		return false, err
	}
	metadata, err := fact.Metadata.encode()
	if err != nil {
		return false, fmt.Errorf("analytics insert: encode metadata: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	d := s.core.dialect
	query := fmt.Sprintf(`
		INSERT INTO %s (id, workspace_id, entity_id, user_id, action_type, external_entity_id, platform, metadata, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (workspace_id, entity_id, user_id, action_type) DO NOTHING`,
		d.quote(s.tableName), d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6), d.ph(7), d.ph(8), d.ph(9))
	result, err := s.core.db.ExecContext(ctx, query,
		fact.ID, fact.WorkspaceID, fact.EntityID, fact.UserID, fact.ActionType,
		fact.ExternalEntityID, fact.Platform, metadata, fact.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("analytics insert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("analytics insert: rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLAnalyticsStore) Close() error {
	if s == nil {
		return nil
	}
	return s.core.close()
}
