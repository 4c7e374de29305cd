package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS metadata (
	service TEXT NOT NULL,
	shard INTEGER NOT NULL,
	version INTEGER NOT NULL,
	checkpoint INTEGER NOT NULL,
	log_file INTEGER NOT NULL,
	commit_id INTEGER NOT NULL,
	PRIMARY KEY (service, shard)
);
CREATE TABLE IF NOT EXISTS leases (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS instances (
	name TEXT PRIMARY KEY,
	address TEXT NOT NULL
);`

// SQLiteMeta Meta on a SQLite database shared by all instances of a service.
// Leases are per (service, shard).
type SQLiteMeta struct {
	db      *sql.DB
	service string
	shard   int64
	now     func() time.Time
}

// OpenSQLiteMeta Open or create the database at path.
func OpenSQLiteMeta(path string, service string, shard int64) (*SQLiteMeta, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteMeta{db: db, service: service, shard: shard, now: time.Now}, nil
}

func (m *SQLiteMeta) Close() error {
	return m.db.Close()
}

func (m *SQLiteMeta) Get(ctx context.Context) (Metadata, error) {
	var meta Metadata
	err := m.db.QueryRowContext(ctx,
		`SELECT version, checkpoint, log_file, commit_id FROM metadata WHERE service = ? AND shard = ?`,
		m.service, m.shard).Scan(&meta.CurrentVersion, &meta.LastCommittedCheckpoint, &meta.LastLogFile, &meta.CommitID)
	if err == sql.ErrNoRows {
		return meta, ErrNotFound
	}
	return meta, err
}

func (m *SQLiteMeta) Put(ctx context.Context, meta Metadata) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (service, shard, version, checkpoint, log_file, commit_id) VALUES (?, ?, ?, ?, ?, ?)`,
		m.service, m.shard, meta.CurrentVersion, meta.LastCommittedCheckpoint, meta.LastLogFile, meta.CommitID)
	return err
}

func (m *SQLiteMeta) Register(ctx context.Context, instance string, address string) error {
	_, err := m.db.ExecContext(ctx, `INSERT OR REPLACE INTO instances (name, address) VALUES (?, ?)`, instance, address)
	return err
}

func (m *SQLiteMeta) Resolve(ctx context.Context, instance string) (string, error) {
	var address string
	err := m.db.QueryRowContext(ctx, `SELECT address FROM instances WHERE name = ?`, instance).Scan(&address)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return address, err
}

func (m *SQLiteMeta) leaseKey(name string) string {
	return fmt.Sprintf("%s/%d/%s", m.service, m.shard, name)
}

func (m *SQLiteMeta) Acquire(ctx context.Context, name string, holder string, ttl time.Duration) (LeaseResult, error) {
	now := m.now()
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, expires) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires = excluded.expires
		WHERE leases.holder = excluded.holder OR leases.expires < ?`,
		m.leaseKey(name), holder, now.Add(ttl).UnixNano(), now.UnixNano())
	return leaseResult(res, err)
}

func (m *SQLiteMeta) Renew(ctx context.Context, name string, holder string, ttl time.Duration) (LeaseResult, error) {
	now := m.now()
	res, err := m.db.ExecContext(ctx,
		`UPDATE leases SET expires = ? WHERE name = ? AND holder = ? AND expires >= ?`,
		now.Add(ttl).UnixNano(), m.leaseKey(name), holder, now.UnixNano())
	return leaseResult(res, err)
}

func (m *SQLiteMeta) Release(ctx context.Context, name string, holder string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, m.leaseKey(name), holder)
	return err
}

func (m *SQLiteMeta) Holder(ctx context.Context, name string) (string, bool, error) {
	var holder string
	var expires int64
	err := m.db.QueryRowContext(ctx, `SELECT holder, expires FROM leases WHERE name = ?`, m.leaseKey(name)).Scan(&holder, &expires)
	if err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return holder, expires >= m.now().UnixNano(), nil
}

func leaseResult(res sql.Result, err error) (LeaseResult, error) {
	if err != nil {
		return LeaseContended, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return LeaseContended, err
	}
	if affected == 0 {
		return LeaseContended, nil
	}
	return LeaseAcquired, nil
}
