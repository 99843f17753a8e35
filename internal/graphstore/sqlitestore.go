package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/arrowbuild/buildcore/internal/key"
)

// SQLiteStore is a SQLite-backed Store: single-file, auto-migrating,
// WAL-mode persistence for development and single-machine builds.
//
// Schema:
//   - nodes: one row per key, holding the node's encoded Value/Deps/state.
//   - rdeps: one row per (dep_key, dependent_key) reverse edge.
//   - build_version: a single-row counter allocating NextBuildVersion.
//
// SQLite serializes writers at the connection-pool level (MaxOpenConns=1);
// a store-wide mutex (mu) also serializes this type's writers, so
// MarkExternalChange's read-modify-write sequence is atomic with respect to
// concurrent evaluator goroutines sharing one *SQLiteStore.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed graph store.
//
//	store, err := graphstore.NewSQLiteStore("./build.db")
//	store, err := graphstore.NewSQLiteStore(":memory:")
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("graphstore: open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graphstore: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graphstore: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graphstore: set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graphstore: create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			key_str     TEXT NOT NULL PRIMARY KEY,
			key_blob    BLOB NOT NULL,
			value_blob  BLOB NOT NULL,
			computed_at INTEGER NOT NULL,
			checked_at  INTEGER NOT NULL,
			dirty       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rdeps (
			dep_key_str       TEXT NOT NULL,
			dependent_key_str TEXT NOT NULL,
			dependent_key_blob BLOB NOT NULL,
			PRIMARY KEY (dep_key_str, dependent_key_str)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rdeps_dep ON rdeps(dep_key_str)`,
		`CREATE TABLE IF NOT EXISTS build_version (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO build_version (id, version) VALUES (1, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, k key.Key) (Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value_blob, computed_at, checked_at, dirty FROM nodes WHERE key_str = ?`,
		k.String())

	var valueBlob []byte
	var n Node
	var dirty int
	if err := row.Scan(&valueBlob, &n.ComputedAt, &n.CheckedAt, &dirty); err != nil {
		if err == sql.ErrNoRows {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("graphstore: query node %s: %w", k, err)
	}
	n.Dirty = DirtyState(dirty)

	decoded, err := decodeNodeBlob(valueBlob)
	if err != nil {
		return Node{}, err
	}
	n.Value = decoded.Value
	n.Deps = decoded.Deps
	n.Err = decoded.Err
	return n, nil
}

func (s *SQLiteStore) Put(ctx context.Context, k key.Key, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyBlob, err := EncodeKey(k)
	if err != nil {
		return err
	}
	nodeBlob, err := EncodeNode(n)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graphstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (key_str, key_blob, value_blob, computed_at, checked_at, dirty)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_str) DO UPDATE SET
		   value_blob=excluded.value_blob,
		   computed_at=excluded.computed_at,
		   checked_at=excluded.checked_at,
		   dirty=excluded.dirty`,
		k.String(), keyBlob, nodeBlob, n.ComputedAt, n.CheckedAt, int(n.Dirty)); err != nil {
		return fmt.Errorf("graphstore: upsert node %s: %w", k, err)
	}

	for _, dep := range n.Deps {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO rdeps (dep_key_str, dependent_key_str, dependent_key_blob)
			 VALUES (?, ?, ?)`,
			dep.String(), k.String(), keyBlob); err != nil {
			return fmt.Errorf("graphstore: insert rdep %s -> %s: %w", dep, k, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ReverseDeps(ctx context.Context, k key.Key) ([]key.Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dependent_key_blob FROM rdeps WHERE dep_key_str = ? ORDER BY dependent_key_str`,
		k.String())
	if err != nil {
		return nil, fmt.Errorf("graphstore: query rdeps of %s: %w", k, err)
	}
	defer rows.Close()

	var out []key.Key
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		dk, err := DecodeKey(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, dk)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkExternalChange(ctx context.Context, k key.Key, buildVersion int64) ([]key.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET dirty = ?, checked_at = ? WHERE key_str = ?`,
		int(NeedsRebuild), buildVersion, k.String()); err != nil {
		return nil, fmt.Errorf("graphstore: mark external change on %s: %w", k, err)
	}

	rdepsFn := func(cur key.Key) []key.Key {
		out, _ := s.ReverseDeps(ctx, cur)
		return out
	}
	apply := func(target key.Key, state DirtyState) {
		_, _ = s.db.ExecContext(ctx,
			`UPDATE nodes SET dirty = CASE WHEN dirty = ? THEN dirty ELSE ? END, checked_at = ?
			 WHERE key_str = ?`,
			int(NeedsRebuild), int(state), buildVersion, target.String())
	}

	return propagateCheckDependencies(k, rdepsFn, apply), nil
}

func (s *SQLiteStore) NextBuildVersion(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var v int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM build_version WHERE id = 1`).Scan(&v); err != nil {
		return 0, err
	}
	v++
	if _, err := tx.ExecContext(ctx, `UPDATE build_version SET version = ? WHERE id = 1`, v); err != nil {
		return 0, err
	}
	return v, tx.Commit()
}

func (s *SQLiteStore) Discard(ctx context.Context, k key.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE key_str = ?`, k.String()); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rdeps WHERE dep_key_str = ? OR dependent_key_str = ?`,
		k.String(), k.String()); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// decodeNodeBlob is a thin wrapper around DecodeNode used so Get reads
// value_blob through the same codec Put wrote it with.
func decodeNodeBlob(blob []byte) (Node, error) {
	return DecodeNode(blob)
}
