package actioncache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// BoltCache is a bbolt-backed Cache: a transactional alternative to the raw
// BACH log (file.go), kept in a single bbolt database file. Keys are the raw
// fingerprint bytes; values are JSON-encoded Records.
type BoltCache struct {
	db *bbolt.DB

	mu       sync.Mutex
	inFlight map[Fingerprint]bool
}

func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("actioncache: open bbolt db %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltCache{db: db, inFlight: map[Fingerprint]bool{}}, nil
}

func (c *BoltCache) Probe(_ context.Context, fp Fingerprint) (Record, *Token, error) {
	var rec Record
	var found bool

	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		data := b.Get(fp[:])
		if data == nil {
			return nil
		}
		found = true
		var unmarshalErr error
		rec, unmarshalErr = unmarshalRecord(data)
		return unmarshalErr
	})
	if err != nil {
		return Record{}, nil, err
	}
	if found {
		return rec, nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[fp] {
		return Record{}, &Token{Fingerprint: fp}, nil
	}
	c.inFlight[fp] = true
	return Record{}, &Token{Fingerprint: fp}, nil
}

func (c *BoltCache) Store(_ context.Context, tok *Token, rec Record) error {
	if tok == nil {
		return errors.New("actioncache: Store called with nil token")
	}

	data, err := rec.marshal()
	if err != nil {
		return err
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		return b.Put(tok.Fingerprint[:], data)
	})

	c.mu.Lock()
	delete(c.inFlight, tok.Fingerprint)
	c.mu.Unlock()

	return err
}

func (c *BoltCache) Close() error { return c.db.Close() }
