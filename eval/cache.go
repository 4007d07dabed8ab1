// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed schema
var schemaFiles embed.FS

// Cache is a persistent, on-disk memo table mapping an evaluator-defined
// key (typically an attribute path together with a digest of whatever
// inputs feed it) to a previously-computed derivation encoding. It exists
// to let a long-running broker or CLI invocation skip re-evaluating
// attribute trees that have not changed between runs.
//
// A Cache is safe for concurrent use.
type Cache struct {
	pool *sqlitemigration.Pool
}

// OpenCache opens (creating if necessary) a [Cache] backed by the sqlite
// database at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, fmt.Errorf("eval: open cache: %v", err)
	}
	var schema sqlitemigration.Schema
	for i := 1; ; i++ {
		migration, err := fs.ReadFile(schemaFiles, fmt.Sprintf("schema/%02d.sql", i))
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("eval: open cache: read migrations: %v", err)
		}
		schema.Migrations = append(schema.Migrations, string(migration))
	}
	if len(schema.Migrations) == 0 {
		return nil, fmt.Errorf("eval: open cache: no migrations embedded")
	}

	return &Cache{
		pool: sqlitemigration.NewPool(path, schema, sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PoolSize:    1,
			PrepareConn: prepareCacheConn,
		}),
	}, nil
}

func prepareCacheConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode=wal;", nil); err != nil {
		return fmt.Errorf("enable write-ahead logging: %v", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys=on;", nil); err != nil {
		return fmt.Errorf("enable foreign keys: %v", err)
	}
	return nil
}

// Close releases the cache's database connections.
func (c *Cache) Close() error {
	return c.pool.Close()
}

// Lookup returns the cached derivation bytes for key, provided the stored
// entry's input digest still matches inputDigest. A mismatched digest (the
// inputs feeding key have since changed) is treated the same as a miss.
func (c *Cache) Lookup(ctx context.Context, key, inputDigest string) (derivation []byte, ok bool, err error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("eval: cache lookup: %v", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `SELECT derivation, input_digest FROM eval_cache WHERE key = ?;`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if stmt.GetText("input_digest") != inputDigest {
				return nil
			}
			derivation = []byte(stmt.GetText("derivation"))
			ok = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("eval: cache lookup %q: %v", key, err)
	}
	return derivation, ok, nil
}

// Store records derivation under key, stamped with inputDigest, replacing
// any prior entry for key.
func (c *Cache) Store(ctx context.Context, key, inputDigest string, derivation []byte) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("eval: cache store: %v", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO eval_cache (key, input_digest, derivation, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			input_digest = excluded.input_digest,
			derivation = excluded.derivation,
			updated_at = excluded.updated_at;`, &sqlitex.ExecOptions{
		Args: []any{key, inputDigest, derivation, time.Now().Unix()},
	})
	if err != nil {
		return fmt.Errorf("eval: cache store %q: %v", key, err)
	}
	return nil
}

// Invalidate removes any cached entry for key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("eval: cache invalidate: %v", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM eval_cache WHERE key = ?;`, &sqlitex.ExecOptions{
		Args: []any{key},
	})
	if err != nil {
		return fmt.Errorf("eval: cache invalidate %q: %v", key, err)
	}
	return nil
}
