package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLite opens (or creates) a sqlite-backed store at path. Empty path
// means an in-memory database, useful for tests.
func NewSQLite(path string) (Store, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite behaves best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &dbStore{
		db:      db,
		schema:  tableDDL("INTEGER", "REAL"),
		rebind:  passthrough,
		dialect: "sqlite",
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
