// Command buildcorectl is a small demonstration CLI for the evaluator,
// executor, action cache, and event bus, wired together over a toy action
// graph: compile two source files into object files, then link them into a
// binary. It exists to exercise the full build path end to end.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.New()

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "buildcorectl",
		Short: "Drive the buildcore evaluator/executor over a sample action graph",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newBuildCmd())
	root.AddCommand(newCacheStatsCmd())
	return root
}
