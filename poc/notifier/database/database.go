package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/margo/index-notifier/poc/notifier/types"
)

// SubscriberLookup is the read side used by the dispatcher.
type SubscriberLookup interface {
	// ListSubscribers returns the chats subscribed to pkg in subscription order.
	ListSubscribers(ctx context.Context, pkg string) ([]types.ChatID, error)
}

// DatabaseIfc is the full subscription store, including the admin operations used by the CLI.
type DatabaseIfc interface {
	SubscriberLookup
	// Subscribe is idempotent; it reports whether a new subscription was created.
	Subscribe(ctx context.Context, pkg string, chat types.ChatID) (bool, error)
	// Unsubscribe reports whether a subscription was removed.
	Unsubscribe(ctx context.Context, pkg string, chat types.ChatID) (bool, error)
	// ListSubscriptions returns the packages chat is subscribed to, sorted by name.
	ListSubscriptions(ctx context.Context, chat types.ChatID) ([]string, error)
	Close() error
}

const sqliteFileName = "notifier.db"

// Open returns the store selected by cfg.Driver. cfg.Path is a directory for both drivers.
func Open(cfg types.DatabaseConfig, log *zap.SugaredLogger) (DatabaseIfc, error) {
	switch cfg.Driver {
	case "file", "":
		return NewFileDatabase(cfg.Path, log), nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, types.DatabaseError(types.OperationOpeningDatabase, err)
		}
		store, err := OpenSQLite(filepath.Join(cfg.Path, sqliteFileName))
		if err != nil {
			return nil, types.DatabaseError(types.OperationOpeningDatabase, err)
		}
		return store, nil
	default:
		return nil, types.DatabaseError(types.OperationOpeningDatabase, fmt.Errorf("unknown database driver %q", cfg.Driver))
	}
}
