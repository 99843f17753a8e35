package graphstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/arrowbuild/buildcore/internal/key"
)

// MemStore is an in-memory Store: a map-backed store for tests,
// single-process builds, and as the reference implementation the
// persistent backends are checked against.
//
// Per-key writes take that key's lock; reverse-edge bookkeeping that
// touches multiple keys locks them in sorted Key.String() order, so that
// writers taking exclusive locks across several keys always do so in the
// same order and never deadlock.
type MemStore struct {
	locksMu sync.Mutex
	locks   map[key.Key]*sync.RWMutex

	mu       sync.RWMutex // protects the two maps below structurally (add/remove keys)
	nodes    map[key.Key]Node
	rdeps    map[key.Key]map[key.Key]struct{}
	version  int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		locks: make(map[key.Key]*sync.RWMutex),
		nodes: make(map[key.Key]Node),
		rdeps: make(map[key.Key]map[key.Key]struct{}),
	}
}

func (s *MemStore) lockFor(k key.Key) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[k]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[k] = l
	}
	return l
}

func (s *MemStore) Get(_ context.Context, k key.Key) (Node, error) {
	l := s.lockFor(k)
	l.RLock()
	defer l.RUnlock()

	s.mu.RLock()
	n, ok := s.nodes[k]
	s.mu.RUnlock()
	if !ok {
		return Node{}, ErrNotFound
	}
	return n.Clone(), nil
}

func (s *MemStore) Put(_ context.Context, k key.Key, n Node) error {
	// Collect the full key set to lock in deterministic order: k plus every
	// dep (whose rdeps map gains an entry for k).
	toLock := append([]key.Key{k}, n.Deps...)
	sort.Slice(toLock, func(i, j int) bool { return toLock[i].String() < toLock[j].String() })

	locks := make([]*sync.RWMutex, 0, len(toLock))
	seen := map[key.Key]bool{}
	for _, lk := range toLock {
		if seen[lk] {
			continue
		}
		seen[lk] = true
		locks = append(locks, s.lockFor(lk))
	}
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[k] = n.Clone()
	for _, d := range n.Deps {
		set, ok := s.rdeps[d]
		if !ok {
			set = make(map[key.Key]struct{})
			s.rdeps[d] = set
		}
		set[k] = struct{}{}
	}
	return nil
}

func (s *MemStore) ReverseDeps(_ context.Context, k key.Key) ([]key.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.rdeps[k]
	out := make([]key.Key, 0, len(set))
	for rk := range set {
		out = append(out, rk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemStore) MarkExternalChange(ctx context.Context, k key.Key, buildVersion int64) ([]key.Key, error) {
	rdepsFn := func(cur key.Key) []key.Key {
		out, _ := s.ReverseDeps(ctx, cur)
		return out
	}
	apply := func(target key.Key, state DirtyState) {
		l := s.lockFor(target)
		l.Lock()
		defer l.Unlock()

		s.mu.Lock()
		defer s.mu.Unlock()
		n := s.nodes[target]
		if n.Dirty != NeedsRebuild {
			n.Dirty = state
		}
		n.CheckedAt = buildVersion
		s.nodes[target] = n
	}

	l := s.lockFor(k)
	l.Lock()
	s.mu.Lock()
	n := s.nodes[k]
	n.Dirty = NeedsRebuild
	n.CheckedAt = buildVersion
	s.nodes[k] = n
	s.mu.Unlock()
	l.Unlock()

	touched := propagateCheckDependencies(k, rdepsFn, apply)
	return touched, nil
}

func (s *MemStore) NextBuildVersion(_ context.Context) (int64, error) {
	return atomic.AddInt64(&s.version, 1), nil
}

func (s *MemStore) Discard(_ context.Context, k key.Key) error {
	l := s.lockFor(k)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, k)
	delete(s.rdeps, k)
	return nil
}

func (s *MemStore) Close() error { return nil }
