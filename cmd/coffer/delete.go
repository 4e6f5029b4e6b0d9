package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
)

var deleteAttachTAM bool

var deleteCmd = &cobra.Command{
	Use:   "delete ARCHIVE-NAME",
	Short: "Delete an archive and decrement its chunks' refcounts",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
		name := args[0]

		sess, err := openSession(url)
		if err != nil {
			fail(err)
		}
		chunks, files, err := sess.loadCaches()
		if err != nil {
			fail(err)
		}
		nonces, err := sess.nonceSource()
		if err != nil {
			fail(err)
		}

		err = sess.withLock(func() error {
			return archive.Delete(sess.repo, sess.keys, chunks, nonces, name, deleteAttachTAM)
		})
		if err != nil {
			fail(err)
		}
		if err := sess.saveCaches(chunks, files); err != nil {
			fail(err)
		}
		fmt.Printf("deleted archive %q\n", name)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().BoolVar(&deleteAttachTAM, "attach-tam", false, "attach a TAM to the manifest written by this run")
}
