// Package store is the data-access layer over the embedded SQLite
// database. It exposes the atomic operations the sync engine needs:
// guarded single-row updates, bulk scan replacement, and compound-key
// queries. All record invariants are enforced here.
package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"

	"github.com/tidesync/tidesync/internal/db"
	"github.com/tidesync/tidesync/internal/errdefs"
)

const memoryPath = ":memory:"

// Store owns the database handle and, for file-backed stores, the
// process lock that guarantees a single owner.
type Store struct {
	db   *sqlx.DB
	lock *flock.Flock
	path string
}

// Open parses uri, acquires the single-process lock and applies the
// schema. Supported forms: "sqlite:///abs/path", a plain filesystem
// path, or ":memory:".
func Open(uri string) (*Store, error) {
	path, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	var lock *flock.Flock
	if path != memoryPath {
		lock = flock.New(path + ".lock")
		held, err := lock.TryLock()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeSystem, err, "acquire store lock")
		}
		if !held {
			return nil, errdefs.New(errdefs.CodeConflict, "store %s is owned by another process", path)
		}
	}

	sdb, err := db.NewSqliteDB(
		db.WithPath(path),
		db.WithMaxOpenConns(1),
	)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "open store")
	}

	if _, err := sdb.Exec(schemaSQL); err != nil {
		sdb.Close()
		if lock != nil {
			lock.Unlock()
		}
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "apply store schema")
	}

	slog.Debug("store open", "path", path)
	return &Store{db: sdb, lock: lock, path: path}, nil
}

// Close releases the database handle and the process lock.
func (s *Store) Close() error {
	var firstErr error
	if s.db != nil {
		firstErr = s.db.Close()
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Path returns the resolved database path.
func (s *Store) Path() string {
	return s.path
}

func parseURI(uri string) (string, error) {
	switch {
	case uri == "" || uri == memoryPath || uri == "memory://":
		return memoryPath, nil
	case strings.HasPrefix(uri, "sqlite://"):
		path := strings.TrimPrefix(uri, "sqlite://")
		if path == "" {
			return "", errdefs.New(errdefs.CodeValidation, "store uri %q has no path", uri)
		}
		return path, nil
	case strings.Contains(uri, "://"):
		return "", errdefs.New(errdefs.CodeValidation, "store uri scheme %q is not supported", strings.SplitN(uri, "://", 2)[0])
	default:
		return uri, nil
	}
}

// nowMillis is the store's clock; tests may override it.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statesToArgs(states []SyncState) []any {
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return args
}

func inClause(column string, n int) string {
	return fmt.Sprintf("%s IN (%s)", column, placeholders(n))
}
