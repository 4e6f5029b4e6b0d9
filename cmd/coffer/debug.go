package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
	"github.com/coffer-backup/coffer/repository"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Low-level introspection commands",
}

var debugDumpManifestCmd = &cobra.Command{
	Use:  "dump-manifest",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := openSession(requireRepoArg())
		if err != nil {
			fail(err)
		}
		dump, err := archive.DumpManifest(sess.repo, sess.keys)
		if err != nil {
			fail(err)
		}
		fmt.Printf("version: %d\nhas-tam: %v\n", dump.Version, dump.HasTAM)
		for k, v := range dump.Config {
			fmt.Printf("config: %s = %s\n", k, v)
		}
		for name, ref := range dump.Archives {
			fmt.Printf("archive: %s\t%x\t%s\n", name, ref.ID[:8], ref.Timestamp)
		}
	},
}

var debugDumpArchiveCmd = &cobra.Command{
	Use:  "dump-archive ARCHIVE-NAME",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := openSession(requireRepoArg())
		if err != nil {
			fail(err)
		}
		dump, err := archive.DumpArchive(sess.repo, sess.keys, args[0])
		if err != nil {
			fail(err)
		}
		fmt.Printf("name: %s\nstart: %s\nend: %s\nhost: %s\nitems: %d\n",
			dump.Metadata.Name, dump.Metadata.Start, dump.Metadata.End, dump.Metadata.Hostname, len(dump.Items))
		for _, it := range dump.Items {
			fmt.Printf("  %d\t%s\t%d\n", it.Type, it.Path, it.Size)
		}
	},
}

var debugDumpHintsCmd = &cobra.Command{
	Use:  "dump-hints",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		storage, err := openStorage(requireRepoArg())
		if err != nil {
			fail(err)
		}
		hints, err := repository.DumpHints(storage)
		if err != nil {
			fail(err)
		}
		for name, stats := range hints.Segments {
			fmt.Printf("%s\tlive=%d(%d bytes)\tdead=%d(%d bytes)\n",
				name, stats.LiveEntries, stats.LiveBytes, stats.DeadEntries, stats.DeadBytes)
		}
	},
}

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugDumpManifestCmd, debugDumpArchiveCmd, debugDumpHintsCmd)
}
