// Package datafile knows what a user data file is: a single SQLite database
// image. It builds the default image for new users, checks fetched images
// before they are handed to a session, and opens working copies.
package datafile

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

// SchemaVersion is stamped into PRAGMA user_version of every default file.
const SchemaVersion = 1

var sqliteHeader = []byte("SQLite format 3\x00")

// ErrNotSQLite is returned by Validate when the bytes are not a database image.
var ErrNotSQLite = errors.New("not a sqlite database image")

// Template returns a function that builds the default data file. The
// statements run in order inside one transaction on a fresh database.
func Template(schema ...string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		dir, err := os.MkdirTemp("", "usersync-template-*")
		if err != nil {
			return nil, fmt.Errorf("create template dir: %w", err)
		}
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "default.db")
		db, err := Open(path)
		if err != nil {
			return nil, err
		}

		if err := initSchema(ctx, db, schema); err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := db.Close(); err != nil {
			return nil, fmt.Errorf("close template database: %w", err)
		}

		return os.ReadFile(path)
	}
}

func initSchema(ctx context.Context, db *sql.DB, schema []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return tx.Commit()
}

// Validate reports whether data is an intact SQLite image. It checks the file
// header and then runs PRAGMA quick_check on a scratch copy.
func Validate(data []byte) error {
	if !bytes.HasPrefix(data, sqliteHeader) {
		return ErrNotSQLite
	}

	f, err := os.CreateTemp("", "usersync-check-*.db")
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close scratch file: %w", err)
	}

	db, err := sql.Open(driverName, "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open scratch database: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}
	return nil
}

// Open opens the database file at path, creating it if needed.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	return db, nil
}

// Version reads the schema version stamped into db.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}
