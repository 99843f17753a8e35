package graphstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowbuild/buildcore/internal/key"
)

// withEachBackend runs fn against every Store implementation that can run
// without an external server: MemStore and SQLiteStore. MySQLStore needs a
// live MySQL server and is not exercised by this package's tests.
//
// Every key used below is built with key.NewArtifactKey: codec.go's
// EncodeKey/DecodeKey only round-trip the two concrete Argument kinds
// key.go documents (key.ActionArg, key.ArtifactArg) — a bare string or int
// Argument falls into the codec's "opaque" fallback, which assumes a JSON
// object and fails to decode a bare JSON scalar back out.
func withEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("MemStore", func(t *testing.T) {
		fn(t, NewMemStore())
	})

	t.Run("SQLiteStore", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "graph.db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), key.NewArtifactKey("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_PutThenGetRoundTrips(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		k := key.NewArtifactKey("a.o")
		dep := key.NewArtifactKey("a.c")

		// A string Value is used rather than an int: SQLiteStore round-trips
		// Value through JSON into `any`, which decodes numbers as float64 —
		// a string avoids that JSON-specific quirk so the same assertion
		// holds for every backend.
		err := s.Put(ctx, k, Node{Value: "42", Deps: []key.Key{dep}, ComputedAt: 1, CheckedAt: 1})
		require.NoError(t, err)

		got, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, "42", got.Value)
		assert.Equal(t, []key.Key{dep}, got.Deps)
		assert.Equal(t, int64(1), got.ComputedAt)
		assert.Equal(t, Clean, got.Dirty)
	})
}

func TestStore_ReverseDepsPopulatedByPut(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		dep := key.NewArtifactKey("a.c")
		compileA := key.NewArtifactKey("a.o")
		compileB := key.NewArtifactKey("b.o")

		require.NoError(t, s.Put(ctx, compileA, Node{Deps: []key.Key{dep}}))
		require.NoError(t, s.Put(ctx, compileB, Node{Deps: []key.Key{dep}}))

		rdeps, err := s.ReverseDeps(ctx, dep)
		require.NoError(t, err)
		assert.Len(t, rdeps, 2)
		assert.Contains(t, rdeps, compileA)
		assert.Contains(t, rdeps, compileB)
	})
}

func TestStore_NextBuildVersionIsMonotonic(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		v1, err := s.NextBuildVersion(ctx)
		require.NoError(t, err)
		v2, err := s.NextBuildVersion(ctx)
		require.NoError(t, err)
		assert.Greater(t, v2, v1)
	})
}

func TestStore_MarkExternalChangePropagatesToReverseDeps(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		src := key.NewArtifactKey("a.c")
		mid := key.NewArtifactKey("a.o")
		top := key.NewArtifactKey("app")

		require.NoError(t, s.Put(ctx, src, Node{Value: "v1", ComputedAt: 1, CheckedAt: 1}))
		require.NoError(t, s.Put(ctx, mid, Node{Value: "v1", Deps: []key.Key{src}, ComputedAt: 1, CheckedAt: 1}))
		require.NoError(t, s.Put(ctx, top, Node{Value: "v1", Deps: []key.Key{mid}, ComputedAt: 1, CheckedAt: 1}))

		touched, err := s.MarkExternalChange(ctx, src, 2)
		require.NoError(t, err)
		assert.ElementsMatch(t, []key.Key{src, mid, top}, touched)

		srcNode, err := s.Get(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, NeedsRebuild, srcNode.Dirty)

		midNode, err := s.Get(ctx, mid)
		require.NoError(t, err)
		assert.Equal(t, CheckDependencies, midNode.Dirty)

		topNode, err := s.Get(ctx, top)
		require.NoError(t, err)
		assert.Equal(t, CheckDependencies, topNode.Dirty)
	})
}

func TestStore_MarkExternalChangeNeverDowngradesNeedsRebuild(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		src := key.NewArtifactKey("a.c")
		mid := key.NewArtifactKey("a.o")

		require.NoError(t, s.Put(ctx, src, Node{}))
		require.NoError(t, s.Put(ctx, mid, Node{Deps: []key.Key{src}, Dirty: NeedsRebuild}))

		_, err := s.MarkExternalChange(ctx, src, 2)
		require.NoError(t, err)

		midNode, err := s.Get(ctx, mid)
		require.NoError(t, err)
		assert.Equal(t, NeedsRebuild, midNode.Dirty, "a node already marked NeedsRebuild must not be downgraded to CheckDependencies")
	})
}

func TestStore_Discard(t *testing.T) {
	withEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		k := key.NewArtifactKey("a.o")
		require.NoError(t, s.Put(ctx, k, Node{Value: "v1"}))

		require.NoError(t, s.Discard(ctx, k))

		_, err := s.Get(ctx, k)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
