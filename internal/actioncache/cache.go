// Package actioncache implements the action cache: a persistent,
// fingerprint-indexed map from request fingerprint to cached action result.
// The on-disk format is an append-with-compaction `BACH` log;
// internal/actioncache/bolt.go offers a bbolt-backed alternative for
// deployments that want transactional storage instead of the raw log.
package actioncache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint identifies one cacheable request: the action's identity, the
// content digests of its declared inputs, the subset of the environment it
// reads, and its execution requirements.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// FingerprintInputs names the fields hashed into a Fingerprint.
type FingerprintInputs struct {
	ActionKey             string
	InputDigests          map[string]string // exec path -> content digest
	Env                   map[string]string
	ExecutionRequirements map[string]string
}

// Compute derives the Fingerprint for a request. Map iteration is sorted
// before hashing so the same logical request always fingerprints
// identically regardless of map iteration order.
func Compute(in FingerprintInputs) Fingerprint {
	h := sha256.New()
	h.Write([]byte(in.ActionKey))
	writeSortedMap(h, in.InputDigests)
	writeSortedMap(h, in.Env)
	writeSortedMap(h, in.ExecutionRequirements)
	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}

func writeSortedMap(h interface{ Write([]byte) (int, error) }, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(m[k]))
		_, _ = h.Write([]byte{0})
	}
}

// OutputRecord names one output's exec path and content digest.
type OutputRecord struct {
	ExecPath string
	Digest   string
}

// Record is a cached action result: the action's mnemonic, a digest of its
// declared input paths, the exec path and content digest of every output,
// and the time it was stored. It holds no exit status and no references to
// stored output blobs; a cache hit's outputs are checked on disk by exec
// path.
type Record struct {
	ActionName string
	InputsDigest string // digest of the sorted declared-input exec paths; input contents are covered by the Fingerprint
	Outputs    []OutputRecord
	TimestampUnix int64
}

func (r Record) marshal() ([]byte, error) { return json.Marshal(r) }

func unmarshalRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

// Token is returned by Probe on a miss, and must be passed to Store once
// the action has executed. A nil Token means Probe reported a hit and no
// execution should occur.
type Token struct {
	Fingerprint Fingerprint
}

// Cache is the action cache's public contract. Implementations: FileCache
// (the BACH append-log format), BoltCache (a bbolt-backed alternative) and
// SQLiteCache (a SQLite-backed alternative).
type Cache interface {
	// Probe looks up fingerprint. On hit, it returns the cached record and a
	// nil token. On miss, it returns a zero Record and a non-nil token to
	// pass to Store after execution — and guarantees that until that Store
	// call (or the build ends), a second Probe for the same fingerprint
	// within this process also misses and receives the SAME in-flight
	// marker, letting the executor's single-flight layer coalesce callers
	// into at most one concurrent build per fingerprint.
	Probe(ctx context.Context, fp Fingerprint) (Record, *Token, error)

	// Store records the result of executing the action probed with tok.
	Store(ctx context.Context, tok *Token, rec Record) error

	Close() error
}
