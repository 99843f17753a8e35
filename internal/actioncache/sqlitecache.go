package actioncache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteCache is a SQLite-backed Cache, for deployments that already run
// the graph store (internal/graphstore) on SQLite and would rather keep one
// storage engine across both persistence layers instead of adding bbolt or
// the raw BACH log. Schema and connection pooling mirror
// graphstore.SQLiteStore (WAL mode, single writer connection).
type SQLiteCache struct {
	db *sql.DB

	mu       sync.Mutex
	inFlight map[Fingerprint]bool
}

// OpenSQLiteCache opens (creating if necessary) a SQLite-backed action
// cache at path. Records are stored as a single marshaled blob per
// fingerprint rather than split into columns, since the cache never queries
// on individual Record fields.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("actioncache: open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("actioncache: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS records (
		fingerprint TEXT NOT NULL PRIMARY KEY,
		record_blob BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("actioncache: create records table: %w", err)
	}

	return &SQLiteCache{db: db, inFlight: map[Fingerprint]bool{}}, nil
}

func (c *SQLiteCache) Probe(ctx context.Context, fp Fingerprint) (Record, *Token, error) {
	row := c.db.QueryRowContext(ctx, `SELECT record_blob FROM records WHERE fingerprint = ?`, fp.String())

	var blob []byte
	switch err := row.Scan(&blob); {
	case err == nil:
		rec, decodeErr := unmarshalRecord(blob)
		if decodeErr != nil {
			return Record{}, nil, fmt.Errorf("actioncache: decode record %s: %w", fp, decodeErr)
		}
		return rec, nil, nil
	case err == sql.ErrNoRows:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.inFlight[fp] {
			return Record{}, &Token{Fingerprint: fp}, nil
		}
		c.inFlight[fp] = true
		return Record{}, &Token{Fingerprint: fp}, nil
	default:
		return Record{}, nil, fmt.Errorf("actioncache: probe %s: %w", fp, err)
	}
}

func (c *SQLiteCache) Store(ctx context.Context, tok *Token, rec Record) error {
	if tok == nil {
		return fmt.Errorf("actioncache: Store called with nil token")
	}

	blob, err := rec.marshal()
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO records (fingerprint, record_blob) VALUES (?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET record_blob=excluded.record_blob`,
		tok.Fingerprint.String(), blob)
	if err != nil {
		return fmt.Errorf("actioncache: store %s: %w", tok.Fingerprint, err)
	}

	c.mu.Lock()
	delete(c.inFlight, tok.Fingerprint)
	c.mu.Unlock()
	return nil
}

func (c *SQLiteCache) Close() error { return c.db.Close() }
