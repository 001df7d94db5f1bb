package actionsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sqlIntentTableName = "sync_intents"

const sqlIntentColumns = "id, workspace_id, user_id, external_entity_id, action, platform, status, attempt_count, last_attempt_at, last_error, metadata, created_at, updated_at"

// SQLLedger stores intents in PostgreSQL or SQLite. The natural key is a
// UNIQUE constraint; duplicate creates are detected from the insert's row
// count, never from driver error text.
type SQLLedger struct {
	core      *sqlCore
	tableName string
	opts      LedgerOptions
}

func NewPostgresLedger(dsn string, opts LedgerOptions) (*SQLLedger, error) {
	return newSQLLedger(postgresDialect, dsn, opts)
}

func NewSQLiteLedger(dsn string, opts LedgerOptions) (*SQLLedger, error) {
	return newSQLLedger(sqliteDialect, dsn, opts)
}

func newSQLLedger(dialect sqlDialect, dsn string, opts LedgerOptions) (*SQLLedger, error) {
	l := &SQLLedger{tableName: sqlIntentTableName, opts: opts.normalize()}
	core, err := newSQLCore(dialect, dsn, l.schema)
	if err != nil {
		return nil, err
	}
	l.core = core
	return l, nil
}

func (l *SQLLedger) schema(d sqlDialect) []string {
	table := d.quote(l.tableName)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				external_entity_id TEXT NOT NULL,
				action TEXT NOT NULL,
				platform TEXT NOT NULL,
				status TEXT NOT NULL,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				last_attempt_at %[2]s NULL,
				last_error TEXT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at %[2]s NOT NULL,
				updated_at %[2]s NOT NULL,
				UNIQUE (workspace_id, user_id, external_entity_id, action)
			)`, table, d.timestampType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, created_at)`, d.quote(l.tableName+"_retry_idx"), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (workspace_id, created_at)`, d.quote(l.tableName+"_workspace_idx"), table),
	}
}

func (l *SQLLedger) CreateIntent(ctx context.Context, req CreateIntentRequest) (SyncIntent, bool, error) {
	req, err := req.normalize()
	if err != nil {
		return SyncIntent{}, false, err
	}
	if err := l.core.ensureReady(); err != nil {
		return SyncIntent{}, false, err
	}
	metadata, err := req.Metadata.encode()
	if err != nil {
		return SyncIntent{}, false, fmt.Errorf("create intent: encode metadata: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	d := l.core.dialect
	now := l.opts.Now().UTC()
	intent := SyncIntent{
		ID:               l.opts.NewID(),
		WorkspaceID:      req.WorkspaceID,
		UserID:           req.UserID,
		ExternalEntityID: req.ExternalEntityID,
		Action:           req.Action,
		Platform:         req.Platform,
		Status:           IntentPending,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tx, err := l.core.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncIntent{}, false, fmt.Errorf("create intent: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := fmt.Sprintf(`
		INSERT INTO %s (id, workspace_id, user_id, external_entity_id, action, platform, status, attempt_count, metadata, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, 0, %s, %s, %s)
		ON CONFLICT (workspace_id, user_id, external_entity_id, action) DO NOTHING`,
		d.quote(l.tableName),
		d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5), d.ph(6), d.ph(7), d.ph(8), d.ph(9), d.ph(10))
	result, err := tx.ExecContext(ctx, insert,
		intent.ID, intent.WorkspaceID, intent.UserID, intent.ExternalEntityID, intent.Action,
		intent.Platform, string(intent.Status), metadata, now, now)
	if err != nil {
		return SyncIntent{}, false, fmt.Errorf("create intent: insert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return SyncIntent{}, false, fmt.Errorf("create intent: rows affected: %w", err)
	}
	if affected > 0 {
		if err := tx.Commit(); err != nil {
			return SyncIntent{}, false, fmt.Errorf("create intent: commit: %w", err)
		}
		return intent, true, nil
	}

	existingQuery := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE workspace_id = %s AND user_id = %s AND external_entity_id = %s AND action = %s`,
		sqlIntentColumns, d.quote(l.tableName), d.ph(1), d.ph(2), d.ph(3), d.ph(4))
	existing, err := scanIntent(tx.QueryRowContext(ctx, existingQuery, req.WorkspaceID, req.UserID, req.ExternalEntityID, req.Action))
	if err != nil {
		return SyncIntent{}, false, fmt.Errorf("create intent: select existing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SyncIntent{}, false, fmt.Errorf("create intent: commit: %w", err)
	}
	return existing, false, nil
}

func (l *SQLLedger) RecordOutcome(ctx context.Context, intentID string, outcome Outcome, attemptedAt time.Time) (SyncIntent, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return SyncIntent{}, ErrInvalidInput
	}
	if err := outcome.validate(); err != nil {
		return SyncIntent{}, err
	}
	if err := l.core.ensureReady(); err != nil {
		return SyncIntent{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	d := l.core.dialect
	tx, err := l.core.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncIntent{}, fmt.Errorf("record outcome: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := fmt.Sprintf(`
		UPDATE %s
		SET status = %s, attempt_count = attempt_count + 1, last_attempt_at = %s, last_error = %s, updated_at = %s
		WHERE id = %s`,
		d.quote(l.tableName), d.ph(1), d.ph(2), d.ph(3), d.ph(4), d.ph(5))
	result, err := tx.ExecContext(ctx, update,
		string(outcome.Status), attemptedAt.UTC(), nullableString(outcome.lastError()), l.opts.Now().UTC(), intentID)
	if err != nil {
		return SyncIntent{}, fmt.Errorf("record outcome: update: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return SyncIntent{}, fmt.Errorf("record outcome: rows affected: %w", err)
	}
	if affected == 0 {
		return SyncIntent{}, ErrNotFound
	}

	selectQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE id = %s`, sqlIntentColumns, d.quote(l.tableName), d.ph(1))
	intent, err := scanIntent(tx.QueryRowContext(ctx, selectQuery, intentID))
	if err != nil {
		return SyncIntent{}, fmt.Errorf("record outcome: select: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SyncIntent{}, fmt.Errorf("record outcome: commit: %w", err)
	}
	return intent, nil
}

func (l *SQLLedger) ListRetryCandidates(ctx context.Context, query RetryQuery) ([]SyncIntent, error) {
	if query.MaxAttempts <= 0 {
		return nil, ErrInvalidInput
	}
	if err := l.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	d := l.core.dialect
	cutoff := l.opts.Now().UTC().Add(-query.RetryInterval)
	stmt := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status IN ('pending', 'failed')
			AND attempt_count < %s
			AND (last_attempt_at IS NULL OR last_attempt_at < %s)
		ORDER BY created_at ASC, id ASC
		LIMIT %s`,
		sqlIntentColumns, d.quote(l.tableName), d.ph(1), d.ph(2), d.ph(3))
	rows, err := l.core.db.QueryContext(ctx, stmt, query.MaxAttempts, cutoff, query.retryLimit())
	if err != nil {
		return nil, fmt.Errorf("list retry candidates: %w", err)
	}
	return collectIntents(rows)
}

func (l *SQLLedger) GetIntent(ctx context.Context, intentID string) (SyncIntent, error) {
	if err := l.core.ensureReady(); err != nil {
		return SyncIntent{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	d := l.core.dialect
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = %s`, sqlIntentColumns, d.quote(l.tableName), d.ph(1))
	intent, err := scanIntent(l.core.db.QueryRowContext(ctx, query, strings.TrimSpace(intentID)))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncIntent{}, ErrNotFound
	}
	if err != nil {
		return SyncIntent{}, fmt.Errorf("get intent: %w", err)
	}
	return intent, nil
}

func (l *SQLLedger) ListIntents(ctx context.Context, filter IntentFilter) ([]SyncIntent, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, ErrInvalidInput
	}
	if err := l.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	d := l.core.dialect
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if workspaceID := strings.TrimSpace(filter.WorkspaceID); workspaceID != "" {
		args = append(args, workspaceID)
		conditions = append(conditions, "workspace_id = "+d.ph(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, "status = "+d.ph(len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, normalizeListLimit(filter.Limit))
	stmt := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at ASC, id ASC LIMIT %s`,
		sqlIntentColumns, d.quote(l.tableName), where, d.ph(len(args)))
	rows, err := l.core.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	return collectIntents(rows)
}

func (l *SQLLedger) Close() error {
	if l == nil {
		return nil
	}
	return l.core.close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (SyncIntent, error) {
	var (
		intent        SyncIntent
		status        string
		lastAttemptAt sql.NullTime
		lastError     sql.NullString
		metadata      string
	)
	if err := row.Scan(
		&intent.ID,
		&intent.WorkspaceID,
		&intent.UserID,
		&intent.ExternalEntityID,
		&intent.Action,
		&intent.Platform,
		&status,
		&intent.AttemptCount,
		&lastAttemptAt,
		&lastError,
		&metadata,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	); err != nil {
		return SyncIntent{}, err
	}
	decoded, err := decodeMetadata(metadata)
	if err != nil {
		return SyncIntent{}, fmt.Errorf("decode metadata for intent %s: %w", intent.ID, err)
	}
	intent.Status = IntentStatus(status)
	intent.LastAttemptAt = timePtr(lastAttemptAt)
	intent.LastError = stringPtr(lastError)
	intent.Metadata = decoded
	intent.CreatedAt = intent.CreatedAt.UTC()
	intent.UpdatedAt = intent.UpdatedAt.UTC()
	return intent, nil
}

func collectIntents(rows *sql.Rows) ([]SyncIntent, error) {
	defer rows.Close()
	out := make([]SyncIntent, 0)
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
