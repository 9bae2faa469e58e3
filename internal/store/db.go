package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB is the session-scoped conversation store. It lives in a named in-memory
// SQLite database: nothing survives the process, and every Open gets its own
// isolated instance.
type DB struct {
	*sql.DB
	name string
}

// Open creates an in-memory database under name. A single pooled connection
// keeps the shared-cache database alive and serializes access to it.
func Open(name string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000", name)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, name: name}, nil
}

// OpenSession opens a uniquely named store and applies the schema.
func OpenSession() (*DB, error) {
	db, err := Open("chatsync-" + uuid.NewString())
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Name returns the in-memory database name.
func (db *DB) Name() string {
	return db.name
}

// Reset drops every conversation, message and user, e.g. after logout.
func (db *DB) Reset() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"messages", "conversations", "users"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// nullMillis maps the zero timestamp to SQL NULL.
func nullMillis(ms int64) any {
	if ms <= 0 {
		return nil
	}
	return ms
}
