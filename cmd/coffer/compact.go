package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite segments whose dead-byte fraction exceeds the compaction threshold",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
		sess, err := openSession(url)
		if err != nil {
			fail(err)
		}
		err = sess.withLock(func() error {
			return sess.repo.Compact()
		})
		if err != nil {
			fail(err)
		}
		fmt.Println("compaction complete")
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
}
