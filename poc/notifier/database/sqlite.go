package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/margo/index-notifier/poc/notifier/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps subscriptions in a SQLite database in WAL mode.
// Subscription order is the table's rowid order.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListSubscribers(ctx context.Context, pkg string) ([]types.ChatID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM subscriptions WHERE package = ? ORDER BY rowid`, pkg)
	if err != nil {
		return nil, types.DatabaseError(types.OperationListSubscribers, err)
	}
	defer rows.Close()

	var chats []types.ChatID
	for rows.Next() {
		var chat int64
		if err := rows.Scan(&chat); err != nil {
			return nil, types.DatabaseError(types.OperationListSubscribers, err)
		}
		chats = append(chats, types.ChatID(chat))
	}
	if err := rows.Err(); err != nil {
		return nil, types.DatabaseError(types.OperationListSubscribers, err)
	}
	return chats, nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, pkg string, chat types.ChatID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO subscriptions (package, chat_id) VALUES (?, ?)`, pkg, int64(chat))
	if err != nil {
		return false, fmt.Errorf("failed to subscribe %d to %s: %w", chat, pkg, err)
	}
	return affected(res)
}

func (s *SQLiteStore) Unsubscribe(ctx context.Context, pkg string, chat types.ChatID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE package = ? AND chat_id = ?`, pkg, int64(chat))
	if err != nil {
		return false, fmt.Errorf("failed to unsubscribe %d from %s: %w", chat, pkg, err)
	}
	return affected(res)
}

func (s *SQLiteStore) ListSubscriptions(ctx context.Context, chat types.ChatID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT package FROM subscriptions WHERE chat_id = ? ORDER BY package`, int64(chat))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of %d: %w", chat, err)
	}
	defer rows.Close()

	var packages []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	return packages, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
