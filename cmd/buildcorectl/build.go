package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/arrowbuild/buildcore/internal/bus"
	"github.com/arrowbuild/buildcore/internal/buildengine"
	"github.com/arrowbuild/buildcore/internal/key"
)

func newBuildCmd() *cobra.Command {
	var workDir string
	var cacheDir string
	var storePath string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the sample compile+link action graph through the evaluator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), workDir, cacheDir, storePath)
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory to build in (defaults to a temp dir)")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "action cache directory (defaults to work-dir)")
	cmd.Flags().StringVar(&storePath, "store", "", "graph store sqlite path; empty uses an in-memory store")
	return cmd
}

func runBuild(ctx context.Context, workDir, cacheDir, storePath string) error {
	if workDir == "" {
		dir, err := os.MkdirTemp("", "buildcorectl-demo-")
		if err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		workDir = dir
		log.Infof("using temporary work dir %s", workDir)
	} else if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	b := bus.New()
	attachLogEmitter(b)
	defer func() {
		_ = b.Flush(ctx)
		b.Close()
	}()

	graph, err := newDemoGraph(workDir)
	if err != nil {
		return fmt.Errorf("build demo graph: %w", err)
	}

	eng, err := buildengine.New(buildengine.Options{Root: workDir},
		buildengine.WithActionCacheDir(cacheDir),
		buildengine.WithGraphStorePath(storePath),
		buildengine.WithBus(b),
		buildengine.WithKeepGoing(false),
	)
	if err != nil {
		return fmt.Errorf("start build engine: %w", err)
	}
	defer eng.Close()

	eng.Executor.OwnerOf = func(execPath string) (string, bool) {
		k, ok := graph.owner[execPath]
		return k.String(), ok
	}

	ev := eng.NewEvaluator(graph.registry(eng.Executor))

	buildVersion, err := eng.Store.NextBuildVersion(ctx)
	if err != nil {
		return fmt.Errorf("allocate build version: %w", err)
	}

	start := time.Now()
	values, err := ev.Evaluate(ctx, buildVersion, []key.Key{graph.rootKey()})
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	eng.CritPath.EmitSummary(b)

	appValue := values[graph.rootKey()]
	log.Infof("build %d finished in %s: app artifact = %+v", buildVersion, time.Since(start), appValue)
	fmt.Printf("built %s in %s\n", filepath.Join(workDir, "app"), time.Since(start))
	return nil
}
