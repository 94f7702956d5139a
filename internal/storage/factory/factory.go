// Package factory creates storage backends based on configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/storage/sqlstore"
)

// Supported backend names.
const (
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendDolt   = "dolt"
)

// BackendFactory is a function that creates a storage backend.
type BackendFactory func(ctx context.Context, path string, opts Options) (storage.Store, error)

// backendRegistry holds registered backend factories
var backendRegistry = make(map[string]BackendFactory)

// RegisterBackend registers a storage backend factory.
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

// Options configures how the storage backend is opened.
type Options struct {
	ReadOnly bool

	// MySQL server options. Ignored when path is a full DSN.
	Host     string
	Port     int
	User     string
	Password string
	Database string // also the database name for embedded Dolt

	// Committer identity for embedded Dolt commits.
	Committer string
}

func init() {
	RegisterBackend(BackendSQLite, func(ctx context.Context, path string, opts Options) (storage.Store, error) {
		return sqlstore.OpenSQLite(ctx, path)
	})
	RegisterBackend(BackendMySQL, func(ctx context.Context, path string, opts Options) (storage.Store, error) {
		dsn := path
		if dsn == "" {
			database := opts.Database
			if database == "" {
				database = "meridian"
			}
			dsn = storage.MySQLConnString(opts.User, opts.Password, opts.Host, opts.Port, database)
		}
		return sqlstore.OpenMySQL(ctx, dsn)
	})
	RegisterBackend(BackendDolt, func(ctx context.Context, path string, opts Options) (storage.Store, error) {
		database := opts.Database
		if database == "" {
			database = "meridian"
		}
		committer := opts.Committer
		if committer == "" {
			committer = "meridian"
		}
		return sqlstore.OpenDolt(ctx, path, database, committer)
	})
}

// New creates a storage backend based on the backend type. The meaning of
// path depends on the backend: a database file for sqlite, a DSN for mysql
// (optional when Options carries the server settings), and the database
// directory for dolt.
func New(ctx context.Context, backend, path string) (storage.Store, error) {
	return NewWithOptions(ctx, backend, path, Options{})
}

// NewWithOptions creates a storage backend with the specified options.
func NewWithOptions(ctx context.Context, backend, path string, opts Options) (storage.Store, error) {
	if backend == "" {
		backend = BackendSQLite
	}
	if factory, ok := backendRegistry[backend]; ok {
		return factory(ctx, path, opts)
	}
	return nil, fmt.Errorf("unknown storage backend: %s (supported: sqlite, mysql, dolt)", backend)
}
