package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
)

var listAll bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archives in the repository",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
		sess, err := openSession(url)
		if err != nil {
			fail(err)
		}
		var entries []archive.ArchiveListEntry
		err = sess.withSharedLock(func() error {
			entries, err = archive.List(sess.repo, sess.keys, listAll)
			return err
		})
		if err != nil {
			fail(err)
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\t%x\n", e.Timestamp.Format("2006-01-02T15:04:05"), e.Name, e.ID[:8])
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listAll, "all", false, "include checkpoint archives")
}
