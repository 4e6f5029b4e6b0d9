package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
)

var restoreRequireTAM bool

var restoreCmd = &cobra.Command{
	Use:     "restore ARCHIVE-NAME DESTINATION",
	Aliases: []string{"extract"},
	Short:   "Restore an archive's file tree to DESTINATION",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
		name, dest := args[0], args[1]

		sess, err := openSession(url)
		if err != nil {
			fail(err)
		}
		err = sess.withSharedLock(func() error {
			return archive.Restore(sess.repo, sess.keys, archive.RestoreOptions{
				ArchiveName: name,
				Destination: dest,
				RequireTAM:  restoreRequireTAM,
			})
		})
		if err != nil {
			fail(err)
		}
		fmt.Printf("restored %q to %s\n", name, dest)
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().BoolVar(&restoreRequireTAM, "require-tam", false, "refuse to restore from a manifest lacking a valid TAM")
}
