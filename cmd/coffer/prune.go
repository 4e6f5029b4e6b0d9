package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
)

var (
	pruneKeepLast    int
	pruneKeepHourly  int
	pruneKeepDaily   int
	pruneKeepWeekly  int
	pruneKeepMonthly int
	pruneKeepYearly  int
	pruneAttachTAM   bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete archives outside the configured retention policy",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
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

		policy := archive.RetentionPolicy{
			KeepLast:    pruneKeepLast,
			KeepHourly:  pruneKeepHourly,
			KeepDaily:   pruneKeepDaily,
			KeepWeekly:  pruneKeepWeekly,
			KeepMonthly: pruneKeepMonthly,
			KeepYearly:  pruneKeepYearly,
		}

		var deleted []string
		err = sess.withLock(func() error {
			var derr error
			deleted, derr = archive.Prune(sess.repo, sess.keys, chunks, nonces, policy, pruneAttachTAM)
			return derr
		})
		if err != nil {
			fail(err)
		}
		if err := sess.saveCaches(chunks, files); err != nil {
			fail(err)
		}
		for _, name := range deleted {
			fmt.Printf("pruned %q\n", name)
		}
		fmt.Printf("pruned %d archive(s)\n", len(deleted))
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().IntVar(&pruneKeepLast, "keep-last", 0, "keep the N most recent archives regardless of bucket")
	pruneCmd.Flags().IntVar(&pruneKeepHourly, "keep-hourly", 0, "keep the newest archive in each of the last N hourly buckets")
	pruneCmd.Flags().IntVar(&pruneKeepDaily, "keep-daily", 0, "keep the newest archive in each of the last N daily buckets")
	pruneCmd.Flags().IntVar(&pruneKeepWeekly, "keep-weekly", 0, "keep the newest archive in each of the last N weekly buckets")
	pruneCmd.Flags().IntVar(&pruneKeepMonthly, "keep-monthly", 0, "keep the newest archive in each of the last N monthly buckets")
	pruneCmd.Flags().IntVar(&pruneKeepYearly, "keep-yearly", 0, "keep the newest archive in each of the last N yearly buckets")
	pruneCmd.Flags().BoolVar(&pruneAttachTAM, "attach-tam", false, "attach a TAM to the manifest written by this run")
}
