package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/arrowbuild/buildcore/internal/key"
)

// MySQLStore is a MySQL/MariaDB-backed Store: connection-pooled, relational
// persistence for a shared-cluster graph store backend — multiple evaluator
// processes on different machines can share one build's incremental state.
//
// The DSN format matches go-sql-driver/mysql's:
//
//	user:password@tcp(host:3306)/dbname?parseTime=true
type MySQLStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed graph store.
//
//	store, err := graphstore.NewMySQLStore(os.Getenv("BUILDCORE_MYSQL_DSN"))
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("graphstore: open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graphstore: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graphstore: create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			key_str     VARCHAR(767) NOT NULL PRIMARY KEY,
			key_blob    MEDIUMBLOB NOT NULL,
			value_blob  MEDIUMBLOB NOT NULL,
			computed_at BIGINT NOT NULL,
			checked_at  BIGINT NOT NULL,
			dirty       INT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS rdeps (
			dep_key_str        VARCHAR(767) NOT NULL,
			dependent_key_str  VARCHAR(767) NOT NULL,
			dependent_key_blob MEDIUMBLOB NOT NULL,
			PRIMARY KEY (dep_key_str, dependent_key_str),
			KEY idx_rdeps_dep (dep_key_str)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS build_version (
			id      TINYINT NOT NULL PRIMARY KEY,
			version BIGINT NOT NULL
		) ENGINE=InnoDB`,
		`INSERT IGNORE INTO build_version (id, version) VALUES (1, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, k key.Key) (Node, error) {
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

	decoded, err := DecodeNode(valueBlob)
	if err != nil {
		return Node{}, err
	}
	n.Value = decoded.Value
	n.Deps = decoded.Deps
	n.Err = decoded.Err
	return n, nil
}

func (s *MySQLStore) Put(ctx context.Context, k key.Key, n Node) error {
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
		 ON DUPLICATE KEY UPDATE
		   value_blob=VALUES(value_blob),
		   computed_at=VALUES(computed_at),
		   checked_at=VALUES(checked_at),
		   dirty=VALUES(dirty)`,
		k.String(), keyBlob, nodeBlob, n.ComputedAt, n.CheckedAt, int(n.Dirty)); err != nil {
		return fmt.Errorf("graphstore: upsert node %s: %w", k, err)
	}

	for _, dep := range n.Deps {
		if _, err := tx.ExecContext(ctx,
			`INSERT IGNORE INTO rdeps (dep_key_str, dependent_key_str, dependent_key_blob)
			 VALUES (?, ?, ?)`,
			dep.String(), k.String(), keyBlob); err != nil {
			return fmt.Errorf("graphstore: insert rdep %s -> %s: %w", dep, k, err)
		}
	}

	return tx.Commit()
}

func (s *MySQLStore) ReverseDeps(ctx context.Context, k key.Key) ([]key.Key, error) {
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

func (s *MySQLStore) MarkExternalChange(ctx context.Context, k key.Key, buildVersion int64) ([]key.Key, error) {
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

func (s *MySQLStore) NextBuildVersion(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var v int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM build_version WHERE id = 1 FOR UPDATE`).Scan(&v); err != nil {
		return 0, err
	}
	v++
	if _, err := tx.ExecContext(ctx, `UPDATE build_version SET version = ? WHERE id = 1`, v); err != nil {
		return 0, err
	}
	return v, tx.Commit()
}

func (s *MySQLStore) Discard(ctx context.Context, k key.Key) error {
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

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
