// Package buildengine composes the graph store, action cache, executor, and
// evaluator into one configured unit behind functional options, instead of
// requiring callers to wire each collaborator by hand. Registry (the set of
// registered key.Function implementations) is still supplied by the caller
// at NewEvaluator time, since it is the one piece of configuration
// genuinely specific to the graph being built.
package buildengine

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arrowbuild/buildcore/internal/action"
	"github.com/arrowbuild/buildcore/internal/actioncache"
	"github.com/arrowbuild/buildcore/internal/bus"
	"github.com/arrowbuild/buildcore/internal/critpath"
	"github.com/arrowbuild/buildcore/internal/evaluator"
	"github.com/arrowbuild/buildcore/internal/executor"
	"github.com/arrowbuild/buildcore/internal/graphstore"
	"github.com/arrowbuild/buildcore/internal/metrics"
	"github.com/arrowbuild/buildcore/internal/rewind"
)

// CacheBackend selects which actioncache.Cache implementation New opens.
type CacheBackend int

const (
	// CacheBackendFile is the append-with-compaction BACH log.
	CacheBackendFile CacheBackend = iota
	CacheBackendBolt
	CacheBackendSQLite
)

// Options configures a New Engine. The zero value is a usable, if minimal,
// configuration: an in-memory graph store, a file-backed action cache under
// Root, one worker per CPU.
type Options struct {
	Root                string
	WorkerCount         int
	QueueDepth          int
	MaxRestartsPerKey   int
	KeepGoing           bool
	ActionCacheDir      string
	ActionCacheBackend  CacheBackend
	GraphStorePath      string // empty uses an in-memory store
	RewindEnabled       bool
	Bus                 *bus.Bus
	// MetricsRegistry, if set, is where Prometheus series are registered; a
	// nil registry uses prometheus.DefaultRegisterer (metrics.New's default).
	// Set a fresh prometheus.NewRegistry() in tests that build more than one
	// Engine, since DefaultRegisterer rejects duplicate registration.
	MetricsRegistry prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.WorkerCount <= 0 {
		o.WorkerCount = runtime.NumCPU()
	}
	if o.ActionCacheDir == "" {
		o.ActionCacheDir = o.Root
	}
	return o
}

// Option mutates an Options value, composable with a plain Options struct:
// `New(base, WithWorkerCount(8))` overrides whatever base.WorkerCount
// already held.
type Option func(*Options)

func WithWorkerCount(n int) Option           { return func(o *Options) { o.WorkerCount = n } }
func WithQueueDepth(n int) Option            { return func(o *Options) { o.QueueDepth = n } }
func WithMaxRestartsPerKey(n int) Option     { return func(o *Options) { o.MaxRestartsPerKey = n } }
func WithKeepGoing(enabled bool) Option      { return func(o *Options) { o.KeepGoing = enabled } }
func WithActionCacheDir(dir string) Option   { return func(o *Options) { o.ActionCacheDir = dir } }
func WithGraphStorePath(path string) Option  { return func(o *Options) { o.GraphStorePath = path } }
func WithRewindEnabled(enabled bool) Option  { return func(o *Options) { o.RewindEnabled = enabled } }
func WithBus(b *bus.Bus) Option              { return func(o *Options) { o.Bus = b } }
func WithActionCacheBackend(b CacheBackend) Option {
	return func(o *Options) { o.ActionCacheBackend = b }
}
func WithMetricsRegistry(r prometheus.Registerer) Option {
	return func(o *Options) { o.MetricsRegistry = r }
}

// Engine bundles the persistence and execution collaborators one build
// needs. Callers still build their own key.Function registry and pass it to
// NewEvaluator, since the graph being evaluated is caller-specific.
type Engine struct {
	Store    graphstore.Store
	Cache    actioncache.Cache
	Executor *executor.Executor
	CritPath *critpath.Tracker
	Metrics  *metrics.Metrics
	Bus      *bus.Bus

	opts Options
}

// New opens the configured graph store and action cache and builds an
// Executor over them. Callers must Close the returned Engine when done.
func New(base Options, opts ...Option) (*Engine, error) {
	for _, opt := range opts {
		opt(&base)
	}
	o := base.withDefaults()

	var store graphstore.Store
	if o.GraphStorePath == "" {
		store = graphstore.NewMemStore()
	} else {
		s, err := graphstore.NewSQLiteStore(o.GraphStorePath)
		if err != nil {
			return nil, fmt.Errorf("buildengine: open graph store: %w", err)
		}
		store = s
	}

	cache, err := openCache(o)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	crit := critpath.New()
	met := metrics.New(o.MetricsRegistry)
	exec := executor.New(o.Root, cache, o.Bus, nil)
	exec.CritPath = crit
	exec.Metrics = met

	return &Engine{Store: store, Cache: cache, Executor: exec, CritPath: crit, Metrics: met, Bus: o.Bus, opts: o}, nil
}

func openCache(o Options) (actioncache.Cache, error) {
	switch o.ActionCacheBackend {
	case CacheBackendBolt:
		c, err := actioncache.OpenBoltCache(filepath.Join(o.ActionCacheDir, "actions.bolt"))
		if err != nil {
			return nil, fmt.Errorf("buildengine: open bolt cache: %w", err)
		}
		return c, nil
	case CacheBackendSQLite:
		c, err := actioncache.OpenSQLiteCache(filepath.Join(o.ActionCacheDir, "actions.db"))
		if err != nil {
			return nil, fmt.Errorf("buildengine: open sqlite cache: %w", err)
		}
		return c, nil
	default:
		c, err := actioncache.OpenFileCache(filepath.Join(o.ActionCacheDir, "actions.bach"))
		if err != nil {
			return nil, fmt.Errorf("buildengine: open file cache: %w", err)
		}
		return c, nil
	}
}

// NewEvaluator builds an Evaluator over e's store, using registry to
// resolve keys to Functions.
func (e *Engine) NewEvaluator(registry evaluator.Registry) *evaluator.Evaluator {
	return evaluator.New(e.Store, registry, evaluator.Options{
		Workers:           e.opts.WorkerCount,
		QueueDepth:        e.opts.QueueDepth,
		MaxRestartsPerKey: e.opts.MaxRestartsPerKey,
		KeepGoing:         e.opts.KeepGoing,
		Bus:               e.opts.Bus,
		Metrics:           e.Metrics,
	})
}

// Rewind computes a lost-input rewind plan via internal/rewind and records
// it to Metrics. Invoked by a caller that observed an action report a lost
// dependency mid-build.
func (e *Engine) Rewind(g rewind.Graph, failed action.Action, lost []action.Artifact) (rewind.Plan, error) {
	if !e.opts.RewindEnabled {
		return rewind.Plan{}, fmt.Errorf("buildengine: rewind disabled for this engine")
	}
	plan, err := rewind.Plan(g, failed, lost)
	if err != nil {
		return rewind.Plan{}, err
	}
	if e.Metrics != nil {
		e.Metrics.IncrementRewind(plan.SelfOnly)
	}
	if e.Bus != nil {
		e.Bus.Publish(bus.Event{
			Kind: bus.RewindPlanned,
			Meta: map[string]any{"self_only": plan.SelfOnly, "restart_count": len(plan.NodesToRestart)},
		})
	}
	return plan, nil
}

// Close releases the store and cache.
func (e *Engine) Close() error {
	cacheErr := e.Cache.Close()
	storeErr := e.Store.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return storeErr
}
