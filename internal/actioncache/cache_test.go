package actioncache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompute_DeterministicAcrossMapOrder(t *testing.T) {
	a := Compute(FingerprintInputs{
		ActionKey:    "//pkg:a",
		InputDigests: map[string]string{"b.o": "2", "a.o": "1"},
		Env:          map[string]string{"PATH": "/bin", "LANG": "C"},
	})
	b := Compute(FingerprintInputs{
		ActionKey:    "//pkg:a",
		InputDigests: map[string]string{"a.o": "1", "b.o": "2"},
		Env:          map[string]string{"LANG": "C", "PATH": "/bin"},
	})
	require.Equal(t, a, b, "fingerprint must not depend on map iteration order")
}

func withEachBackend(t *testing.T, fn func(t *testing.T, c Cache)) {
	t.Helper()

	t.Run("FileCache", func(t *testing.T) {
		c, err := OpenFileCache(filepath.Join(t.TempDir(), "actions.bach"))
		require.NoError(t, err)
		defer c.Close()
		fn(t, c)
	})

	t.Run("BoltCache", func(t *testing.T) {
		c, err := OpenBoltCache(filepath.Join(t.TempDir(), "actions.bolt"))
		require.NoError(t, err)
		defer c.Close()
		fn(t, c)
	})

	t.Run("SQLiteCache", func(t *testing.T) {
		c, err := OpenSQLiteCache(filepath.Join(t.TempDir(), "actions.db"))
		require.NoError(t, err)
		defer c.Close()
		fn(t, c)
	})
}

func TestCache_ProbeMissThenStoreThenHit(t *testing.T) {
	withEachBackend(t, func(t *testing.T, c Cache) {
		ctx := context.Background()
		fp := Compute(FingerprintInputs{ActionKey: "//pkg:a", InputDigests: map[string]string{"a.c": "abc"}})

		_, tok, err := c.Probe(ctx, fp)
		require.NoError(t, err)
		require.NotNil(t, tok, "first probe of an unseen fingerprint must miss")

		// Digests are 64-hex-char SHA-256 strings, the form the executor
		// records; FileCache stores each one as 32 raw bytes.
		rec := Record{
			ActionName:    "CC",
			InputsDigest:  "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
			Outputs:       []OutputRecord{{ExecPath: "a.o", Digest: "deadbeef00000000000000000000000000000000000000000000000000000000"}},
			TimestampUnix: 1700000000,
		}
		require.NoError(t, c.Store(ctx, tok, rec))

		got, tok2, err := c.Probe(ctx, fp)
		require.NoError(t, err)
		require.Nil(t, tok2, "a stored fingerprint must hit on the next probe")
		require.Equal(t, rec, got)
	})
}

func TestCache_StoreRejectsNilToken(t *testing.T) {
	withEachBackend(t, func(t *testing.T, c Cache) {
		err := c.Store(context.Background(), nil, Record{ActionName: "CC"})
		require.Error(t, err)
	})
}

func TestCache_DistinctFingerprintsDoNotCollide(t *testing.T) {
	withEachBackend(t, func(t *testing.T, c Cache) {
		ctx := context.Background()
		fpA := Compute(FingerprintInputs{ActionKey: "//pkg:a", InputDigests: map[string]string{"a.c": "1"}})
		fpB := Compute(FingerprintInputs{ActionKey: "//pkg:b", InputDigests: map[string]string{"b.c": "2"}})

		_, tokA, err := c.Probe(ctx, fpA)
		require.NoError(t, err)
		require.NoError(t, c.Store(ctx, tokA, Record{ActionName: "A"}))

		gotB, tokB, err := c.Probe(ctx, fpB)
		require.NoError(t, err)
		require.NotNil(t, tokB, "fpB was never stored and must still miss")
		require.Equal(t, Record{}, gotB)
	})
}
