package boxd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Store is the durable mirror of the session registry. The in-memory
// registry is the source of truth while the process is live; the store
// exists so that active sessions survive a restart. Every record carries
// its absolute expiry so that abandoned records self-clean on the next
// load even if the daemon that wrote them never came back.
type Store interface {
	// Put writes or replaces the record for s.ID.
	Put(ctx context.Context, s *Session) error

	// Delete removes the record for id. Deleting an absent record is not
	// an error.
	Delete(ctx context.Context, id string) error

	// LoadLive purges records whose expiry has passed and returns the
	// rest. Called once on startup by Registry.Restore.
	LoadLive(ctx context.Context, now time.Time) ([]*Session, error)

	// Close releases the store's resources.
	Close() error
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	endpoint   TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	profile    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	metadata   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expires_at ON sessions (expires_at);
`

// SQLiteStore implements Store on a SQLite database file. Timestamps are
// stored as Unix milliseconds; metadata as JSON.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

var _ Store = (*SQLiteStore)(nil)

// OpenStore opens (creating if needed) the session store at path. The
// parent directory must exist. Use ":memory:" in tests.
func OpenStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := 4
	if path == ":memory:" {
		// Each in-memory connection is an independent database.
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("store: %s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	logger.Info("session store opened", "path", path)
	return &SQLiteStore{pool: pool, logger: logger, path: path}, nil
}

// Put writes or replaces the record for s.ID.
func (st *SQLiteStore) Put(ctx context.Context, s *Session) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode metadata for %s: %w", s.ID, err)
	}

	conn, err := st.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer st.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO sessions (id, endpoint, owner_id, profile, created_at, expires_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				s.ID, s.Endpoint, s.OwnerID, s.Profile,
				s.CreatedAt.UnixMilli(), s.ExpiresAt.UnixMilli(), string(metadata),
			},
		})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", s.ID, err)
	}
	return nil
}

// Delete removes the record for id.
func (st *SQLiteStore) Delete(ctx context.Context, id string) error {
	conn, err := st.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer st.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// LoadLive purges expired records and returns the live ones.
func (st *SQLiteStore) LoadLive(ctx context.Context, now time.Time) ([]*Session, error) {
	conn, err := st.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	defer st.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE expires_at <= ?`,
		&sqlitex.ExecOptions{Args: []any{now.UnixMilli()}})
	if err != nil {
		return nil, fmt.Errorf("store: purge expired: %w", err)
	}
	if purged := conn.Changes(); purged > 0 {
		st.logger.Info("purged expired session records", "count", purged)
	}

	var sessions []*Session
	err = sqlitex.Execute(conn,
		`SELECT id, endpoint, owner_id, profile, created_at, expires_at, metadata FROM sessions`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				s := &Session{
					ID:        stmt.ColumnText(0),
					Endpoint:  stmt.ColumnText(1),
					OwnerID:   stmt.ColumnText(2),
					Profile:   stmt.ColumnText(3),
					CreatedAt: time.UnixMilli(stmt.ColumnInt64(4)),
					ExpiresAt: time.UnixMilli(stmt.ColumnInt64(5)),
				}
				if raw := stmt.ColumnText(6); raw != "" && raw != "null" {
					if err := json.Unmarshal([]byte(raw), &s.Metadata); err != nil {
						return fmt.Errorf("store: decode metadata for %s: %w", s.ID, err)
					}
				}
				sessions = append(sessions, s)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	return sessions, nil
}

// Close closes the underlying connection pool.
func (st *SQLiteStore) Close() error {
	if err := st.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", st.path, err)
	}
	return nil
}
