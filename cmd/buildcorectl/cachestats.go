package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arrowbuild/buildcore/internal/actioncache"
)

func newCacheStatsCmd() *cobra.Command {
	var cachePath string

	cmd := &cobra.Command{
		Use:   "cache-stats <actions.bach path>",
		Short: "Report the number of entries in a file-backed action cache log (the actions.bach file under a build's --cache-dir)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cachePath = args[0]
			c, err := actioncache.OpenFileCache(cachePath)
			if err != nil {
				return fmt.Errorf("open action cache %s: %w", cachePath, err)
			}
			defer c.Close()
			fmt.Printf("%s: %d entries\n", cachePath, c.EntryCount())
			return nil
		},
	}
	return cmd
}
