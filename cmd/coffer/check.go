package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
	"github.com/coffer-backup/coffer/repository"
)

var (
	checkFull       bool
	checkBudget     int
	checkRepair     bool
	checkVerifyData bool
	checkAttachTAM  bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify repository segment structure and optionally repair",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
		sess, err := openSession(url)
		if err != nil {
			fail(err)
		}

		var rep repository.Report
		err = sess.withSharedLock(func() error {
			rep, err = sess.repo.Check(checkFull, checkBudget)
			return err
		})
		if err != nil {
			fail(err)
		}
		fmt.Printf("checked %d segments, %d entries, %d corrupt\n", rep.SegmentsChecked, rep.EntriesChecked, len(rep.Corrupt))
		for _, name := range rep.Corrupt {
			fmt.Printf("  corrupt: %s\n", name)
		}

		if checkVerifyData {
			var vrep archive.VerifyReport
			err = sess.withSharedLock(func() error {
				vrep, err = archive.VerifyData(sess.repo, sess.keys, false)
				return err
			})
			if err != nil {
				fail(err)
			}
			fmt.Printf("verify-data: checked %d archives, %d chunks, %d corrupt\n", vrep.ArchivesChecked, vrep.ChunksChecked, len(vrep.Corrupt))
			for _, id := range vrep.Corrupt {
				fmt.Printf("  corrupt chunk: %s\n", id)
			}
		}

		if checkRepair && len(rep.Corrupt) > 0 {
			chunks, files, err := sess.loadCaches()
			if err != nil {
				fail(err)
			}
			nonces, err := sess.nonceSource()
			if err != nil {
				fail(err)
			}

			var result archive.RepairResult
			err = sess.withLock(func() error {
				result, err = archive.Repair(sess.repo, sess.keys, chunks, nonces, rep, checkAttachTAM)
				return err
			})
			if err != nil {
				fail(err)
			}
			if err := sess.saveCaches(chunks, files); err != nil {
				fail(err)
			}

			fmt.Printf("repaired: %d chunks zeroed, %d items marked broken, %d archives removed\n",
				result.ZeroedChunks, result.BrokenItems, len(result.RemovedArchives))
			for _, name := range result.RemovedArchives {
				fmt.Printf("  removed archive: %s\n", name)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkFull, "full", false, "check every segment from the start, ignoring the resume cursor")
	checkCmd.Flags().IntVar(&checkBudget, "budget", 0, "limit this run to N segments (0 means unlimited)")
	checkCmd.Flags().BoolVar(&checkRepair, "repair", false, "substitute zeroed chunks and remove unrecoverable archives after checking")
	checkCmd.Flags().BoolVar(&checkVerifyData, "verify-data", false, "decrypt and decompress every referenced chunk, not just segment structure")
	checkCmd.Flags().BoolVar(&checkAttachTAM, "attach-tam", false, "attach a TAM to the manifest written by --repair")
}
