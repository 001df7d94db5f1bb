package actionsync

import (
	"fmt"
	"strings"
)

// BuildLedgerFromDSN selects a ledger backend by DSN scheme. An empty DSN
// yields the in-memory ledger.
func BuildLedgerFromDSN(dsn string, opts LedgerOptions) (Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	scheme := dsnScheme(dsn)
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewInMemoryLedgerWithOptions(opts), nil
	case "postgres", "postgresql":
		return NewPostgresLedger(dsn, opts)
	case "sqlite", "sqlite3", "file":
		return NewSQLiteLedger(dsn, opts)
	case "mysql":
		return nil, fmt.Errorf("%w: ledger backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported ledger backend scheme: %s", scheme)
	}
}

func BuildAnalyticsStoreFromDSN(dsn string) (AnalyticsStore, error) {
	dsn = strings.TrimSpace(dsn)
	scheme := dsnScheme(dsn)
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewInMemoryAnalyticsStore(), nil
	case "postgres", "postgresql":
		return NewPostgresAnalyticsStore(dsn)
	case "sqlite", "sqlite3", "file":
		return NewSQLiteAnalyticsStore(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: analytics backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported analytics backend scheme: %s", scheme)
	}
}

func BuildCredentialStoreFromDSN(dsn string) (CredentialStore, error) {
	dsn = strings.TrimSpace(dsn)
	scheme := dsnScheme(dsn)
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewInMemoryCredentialStore(), nil
	case "postgres", "postgresql":
		return NewPostgresCredentialStore(dsn)
	case "sqlite", "sqlite3", "file":
		return NewSQLiteCredentialStore(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: credential backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported credential backend scheme: %s", scheme)
	}
}

// dsnScheme extracts the scheme without url.Parse, which rejects
// sqlite://:memory: as an invalid port.
func dsnScheme(dsn string) string {
	idx := strings.Index(dsn, ":")
	if idx <= 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(dsn[:idx]))
}
