package database

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/margo/index-notifier/poc/notifier/types"
)

const databaseFileName = "notifier.database.json"

// FileDatabase keeps subscriptions in memory and persists them as JSON in dataDir.
// Several processes may share one dataDir: the file is re-read whenever it changes
// on disk, and an instance only writes it back after a local mutation.
type FileDatabase struct {
	subscriptions map[string][]types.ChatID // package -> chats, in subscription order
	mu            sync.Mutex
	log           *zap.SugaredLogger

	dirty  bool      // local mutations not yet written
	loaded fileStamp // stamp of the file the map was last synced with

	// for persistence
	dataDir     string
	persistChan chan struct{}
	stopPersist chan struct{}
	stopped     chan struct{}
	closeOnce   sync.Once
}

func NewFileDatabase(dataDir string, log *zap.SugaredLogger) *FileDatabase {
	db := &FileDatabase{
		subscriptions: make(map[string][]types.ChatID),
		log:           log,
		dataDir:       dataDir,
		persistChan:   make(chan struct{}, 1),
		stopPersist:   make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	// Load from disk
	db.load()

	go db.persistenceLoop()

	return db
}

func (db *FileDatabase) ListSubscribers(ctx context.Context, pkg string) ([]types.ChatID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refresh()
	return slices.Clone(db.subscriptions[pkg]), nil
}

func (db *FileDatabase) Subscribe(ctx context.Context, pkg string, chat types.ChatID) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refresh()

	if slices.Contains(db.subscriptions[pkg], chat) {
		return false, nil
	}
	db.subscriptions[pkg] = append(db.subscriptions[pkg], chat)
	db.dirty = true
	db.TriggerDataPersist()
	return true, nil
}

func (db *FileDatabase) Unsubscribe(ctx context.Context, pkg string, chat types.ChatID) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refresh()

	chats := db.subscriptions[pkg]
	idx := slices.Index(chats, chat)
	if idx < 0 {
		return false, nil
	}

	chats = slices.Delete(chats, idx, idx+1)
	if len(chats) == 0 {
		delete(db.subscriptions, pkg)
	} else {
		db.subscriptions[pkg] = chats
	}
	db.dirty = true
	db.TriggerDataPersist()
	return true, nil
}

func (db *FileDatabase) ListSubscriptions(ctx context.Context, chat types.ChatID) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refresh()

	var packages []string
	for pkg, chats := range db.subscriptions {
		if slices.Contains(chats, chat) {
			packages = append(packages, pkg)
		}
	}
	sort.Strings(packages)
	return packages, nil
}

// Close stops the persistence loop after a final save of pending mutations.
func (db *FileDatabase) Close() error {
	db.closeOnce.Do(func() {
		close(db.stopPersist)
	})
	<-db.stopped
	return nil
}

func (db *FileDatabase) TriggerDataPersist() {
	select {
	case db.persistChan <- struct{}{}:
	default: // Already queued
	}
}

func (db *FileDatabase) persistenceLoop() {
	defer close(db.stopped)

	ticker := time.NewTicker(30 * time.Second) // Periodic saves
	defer ticker.Stop()

	for {
		select {
		case <-db.persistChan:
			db.save()
		case <-ticker.C:
			db.save()
		case <-db.stopPersist:
			db.save() // Final save
			return
		}
	}
}

type fileDump struct {
	Subscriptions map[string][]types.ChatID `json:"subscriptions"`
}

// fileStamp identifies one version of the subscriptions file.
type fileStamp struct {
	modTime time.Time
	size    int64
}

func (db *FileDatabase) path() string {
	return filepath.Join(db.dataDir, databaseFileName)
}

func (db *FileDatabase) stat() fileStamp {
	info, err := os.Stat(db.path())
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size()}
}

// refresh reloads the map when another process rewrote the file. Pending local
// mutations win over the file. Callers hold db.mu.
func (db *FileDatabase) refresh() {
	if db.dirty {
		return
	}
	stamp := db.stat()
	if stamp == db.loaded {
		return
	}
	db.load()
}

func (db *FileDatabase) save() {
	db.mu.Lock()
	if !db.dirty {
		db.mu.Unlock()
		return
	}
	data, err := json.MarshalIndent(fileDump{Subscriptions: db.subscriptions}, "", "  ")
	db.dirty = false
	db.mu.Unlock()

	if err == nil {
		err = db.write(data)
	}
	if err != nil {
		db.log.Errorw("Failed to persist subscriptions", "dir", db.dataDir, "error", err)
		db.mu.Lock()
		db.dirty = true
		db.mu.Unlock()
		return
	}

	db.mu.Lock()
	if !db.dirty {
		db.loaded = db.stat()
	}
	db.mu.Unlock()
}

func (db *FileDatabase) write(data []byte) error {
	if err := os.MkdirAll(db.dataDir, 0755); err != nil {
		return err
	}
	tempFile := db.path() + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempFile, db.path())
}

// load replaces the map with the file contents. Callers hold db.mu or own db exclusively.
func (db *FileDatabase) load() {
	file := db.path()
	stamp := db.stat()
	data, err := os.ReadFile(file)
	if err != nil {
		db.subscriptions = make(map[string][]types.ChatID)
		db.loaded = fileStamp{}
		return // File doesn't exist, start fresh
	}
	db.loaded = stamp

	var dump fileDump
	if err := json.Unmarshal(data, &dump); err != nil {
		db.log.Warnw("Ignoring unreadable subscriptions file", "file", file, "error", err)
		return
	}
	if dump.Subscriptions == nil {
		dump.Subscriptions = make(map[string][]types.ChatID)
	}
	db.subscriptions = dump.Subscriptions
}
