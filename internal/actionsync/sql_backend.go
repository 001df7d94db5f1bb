package actionsync

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name          string
	driver        string
	timestampType string
	numbered      bool
}

var (
	postgresDialect = sqlDialect{name: "postgres", driver: "postgres", timestampType: "TIMESTAMPTZ", numbered: true}
	sqliteDialect   = sqlDialect{name: "sqlite", driver: "sqlite3", timestampType: "TIMESTAMP"}
)

// ph returns the n-th (1-based) bind placeholder. SQLite placeholders are
// positional, so callers must pass arguments in the order they appear.
func (d sqlDialect) ph(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d sqlDialect) quote(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// sqlCore lazily opens the database and applies the schema on first use.
type sqlCore struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc
	schema  func(d sqlDialect) []string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLCore(dialect sqlDialect, dsn string, schema func(d sqlDialect) []string) (*sqlCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlCore{
		dsn:     dsn,
		dialect: dialect,
		openDB:  sql.Open,
		schema:  schema,
	}, nil
}

func (c *sqlCore) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		dsn := c.dsn
		if c.dialect.driver == sqliteDialect.driver {
			path, err := sqlitePathFromDSN(dsn)
			if err != nil {
				c.initErr = err
				return
			}
			dsn = path
		}
		db, err := c.openDB(c.dialect.driver, dsn)
		if err != nil {
			c.initErr = fmt.Errorf("open %s: %w", c.dialect.name, err)
			return
		}
		if c.dialect.driver == sqliteDialect.driver {
			// sqlite allows a single writer
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := c.schema(c.dialect)
		if c.dialect.driver == sqliteDialect.driver {
			statements = append([]string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA busy_timeout = 5000",
			}, statements...)
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				c.initErr = fmt.Errorf("apply %s schema: %w", c.dialect.name, err)
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *sqlCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// sqlitePathFromDSN maps sqlite:///abs/path.db, sqlite://rel.db and
// sqlite://:memory: onto a go-sqlite3 data source name.
func sqlitePathFromDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(lower, prefix) {
			dsn = dsn[len(prefix):]
			break
		}
	}
	if strings.HasPrefix(strings.ToLower(dsn), "file:") {
		return dsn, nil
	}
	path := dsn
	query := ""
	if idx := strings.Index(dsn, "?"); idx >= 0 {
		path = dsn[:idx]
		query = dsn[idx+1:]
	}
	if path == "" {
		return "", fmt.Errorf("%w: sqlite dsn requires a path", ErrInvalidInput)
	}
	if path == ":memory:" {
		return ":memory:", nil
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	if query != "" {
		return "file:" + path + "?" + query, nil
	}
	return "file:" + path, nil
}

func nullableTime(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UTC()
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	ts := value.Time.UTC()
	return &ts
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
