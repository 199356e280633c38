// Package oplog persists one row per mutating storage operation. It backs
// the facade's recorder and the "history" command, on SQLite by default or
// PostgreSQL for shared installs.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/locator"
	"github.com/Chapsvision-dev/cloudstore/internal/metrics"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS operations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TIMESTAMP NOT NULL,
	operation  TEXT NOT NULL,
	service    TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT '',
	args       TEXT NOT NULL DEFAULT '{}',
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	records    TEXT NOT NULL DEFAULT '[]',
	elapsed_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_operations_at ON operations(at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS operations (
	id         BIGSERIAL PRIMARY KEY,
	at         TIMESTAMPTZ NOT NULL,
	operation  TEXT NOT NULL,
	service    TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT '',
	args       TEXT NOT NULL DEFAULT '{}',
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	records    TEXT NOT NULL DEFAULT '[]',
	elapsed_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_operations_at ON operations(at);
`

// Status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Entry is one logged operation.
type Entry struct {
	ID        int64
	At        time.Time
	Operation string
	Service   string
	Kind      string
	Args      map[string]string
	Status    string
	Error     string
	Records   provider.Result
	Elapsed   time.Duration
}

// Store writes and reads operation entries.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens (or creates) the log for driver ("sqlite" or "postgres") and
// applies the schema.
func Open(driver, dsn string) (*Store, error) {
	var (
		sqlDriver string
		schema    string
	)
	switch driver {
	case config.OplogSQLite:
		path, err := locator.Expand(dsn)
		if err != nil {
			return nil, fmt.Errorf("oplog: %w", err)
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return nil, fmt.Errorf("oplog: create dir: %w", err)
			}
		}
		if !strings.Contains(path, "?") {
			path += "?_journal_mode=WAL&_busy_timeout=5000"
		}
		dsn, sqlDriver, schema = path, "sqlite3", sqliteSchema
	case config.OplogPostgres:
		sqlDriver, schema = "postgres", postgresSchema
	default:
		return nil, fmt.Errorf("oplog: unsupported driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("oplog: open db: %w", err)
	}
	if sqlDriver == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("oplog: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("oplog: apply schema: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.driver != config.OplogPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record inserts e. A zero At is set to now.
func (s *Store) Record(ctx context.Context, e Entry) (err error) {
	defer func() { metrics.RecordOplogWrite(err == nil) }()

	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusOK
	}
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("oplog: encode args: %w", err)
	}
	records := e.Records
	if records == nil {
		records = provider.Result{}
	}
	recs, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("oplog: encode records: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO operations (at, operation, service, kind, args, status, error, records, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.At, e.Operation, e.Service, e.Kind, string(args), e.Status, e.Error, string(recs), e.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("oplog: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, at, operation, service, kind, args, status, error, records, elapsed_ms
		FROM operations ORDER BY at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("oplog: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			args      string
			recs      string
			elapsedMS int64
		)
		if err := rows.Scan(&e.ID, &e.At, &e.Operation, &e.Service, &e.Kind, &args, &e.Status, &e.Error, &recs, &elapsedMS); err != nil {
			return nil, fmt.Errorf("oplog: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
			return nil, fmt.Errorf("oplog: decode args: %w", err)
		}
		if err := json.Unmarshal([]byte(recs), &e.Records); err != nil {
			return nil, fmt.Errorf("oplog: decode records: %w", err)
		}
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
