package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/repository"
)

var (
	redundancyDataShards   int
	redundancyParityShards int
	redundancyHashRate     int
	redundancyAll          bool
)

var redundancyCmd = &cobra.Command{
	Use:   "redundancy",
	Short: "Manage per-segment Reed-Solomon forward error correction side files",
	Long: `redundancy builds, checks, and recovers from optional per-segment
Reed-Solomon side files, an opt-in defense against bit rot that sits
alongside the repository's own CRC/MAC integrity checks: where check
detects corruption, a segment with a redundancy side file can often be
repaired without needing another copy of the repository.`,
}

var redundancyEncodeCmd = &cobra.Command{
	Use:   "encode [SEGMENT...]",
	Short: "Build Reed-Solomon side files for the named segments (or all of them with --all)",
	Run: func(cmd *cobra.Command, args []string) {
		storage, err := openStorage(requireRepoArg())
		if err != nil {
			fail(err)
		}
		names, err := redundancyTargets(storage, args)
		if err != nil {
			fail(err)
		}
		for _, name := range names {
			if err := repository.EncodeRedundancy(storage, name, redundancyDataShards, redundancyParityShards, redundancyHashRate); err != nil {
				fail(err)
			}
			fmt.Printf("encoded redundancy for %s\n", name)
		}
	},
}

var redundancyCheckCmd = &cobra.Command{
	Use:   "check [SEGMENT...]",
	Short: "Verify segments against their Reed-Solomon side files (or all of them with --all)",
	Run: func(cmd *cobra.Command, args []string) {
		storage, err := openStorage(requireRepoArg())
		if err != nil {
			fail(err)
		}
		names, err := redundancyTargets(storage, args)
		if err != nil {
			fail(err)
		}
		bad := 0
		for _, name := range names {
			ok, err := repository.CheckRedundancy(storage, name)
			if err != nil {
				fail(err)
			}
			if !ok {
				bad++
				fmt.Printf("%s: corrupt or has no side file\n", name)
			}
		}
		if bad > 0 {
			fail(cerrors.New(cerrors.Integrity, fmt.Sprintf("%d of %d segments failed redundancy check", bad, len(names))))
		}
		fmt.Printf("%d segments checked clean\n", len(names))
	},
}

var redundancyRestoreCmd = &cobra.Command{
	Use:   "restore SEGMENT",
	Short: "Reconstruct a segment from its Reed-Solomon side file into SEGMENT.recovered",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		storage, err := openStorage(requireRepoArg())
		if err != nil {
			fail(err)
		}
		recovered, err := repository.RestoreRedundancy(storage, args[0])
		if err != nil {
			fail(err)
		}
		fmt.Printf("wrote %s; check it, then replace the original segment and run repair\n", recovered)
	},
}

// redundancyTargets resolves the segment names a redundancy subcommand
// should act on: the explicit args, or every segment when --all is set
// and no args were given.
func redundancyTargets(storage repository.Storage, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if !redundancyAll {
		return nil, cerrors.New(cerrors.User, "specify one or more segment names, or pass --all")
	}
	return storage.ListSegments()
}

func init() {
	rootCmd.AddCommand(redundancyCmd)
	redundancyCmd.AddCommand(redundancyEncodeCmd, redundancyCheckCmd, redundancyRestoreCmd)

	redundancyCmd.PersistentFlags().BoolVar(&redundancyAll, "all", false, "act on every segment in the repository")
	redundancyEncodeCmd.Flags().IntVar(&redundancyDataShards, "data-shards", 8, "number of Reed-Solomon data shards per window")
	redundancyEncodeCmd.Flags().IntVar(&redundancyParityShards, "parity-shards", 2, "number of Reed-Solomon parity shards per window")
	redundancyEncodeCmd.Flags().IntVar(&redundancyHashRate, "hash-rate", 1<<16, "bytes per shard hashed for integrity checking")
}
