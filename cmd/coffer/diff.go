package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
)

var diffCmd = &cobra.Command{
	Use:   "diff ARCHIVE-A ARCHIVE-B",
	Short: "Show path-level differences between two archives",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
		sess, err := openSession(url)
		if err != nil {
			fail(err)
		}
		var entries []archive.DiffEntry
		err = sess.withSharedLock(func() error {
			entries, err = archive.Diff(sess.repo, sess.keys, args[0], args[1])
			return err
		})
		if err != nil {
			fail(err)
		}
		for _, e := range entries {
			fmt.Printf("%s %s\n", diffKindLabel(e.Kind), e.Path)
		}
	},
}

func diffKindLabel(k archive.DiffKind) string {
	switch k {
	case archive.DiffAdded:
		return "+"
	case archive.DiffRemoved:
		return "-"
	default:
		return "~"
	}
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
