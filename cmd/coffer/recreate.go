package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
	"github.com/coffer-backup/coffer/chunker"
)

var (
	recreateMin        uint32
	recreateMax        uint32
	recreateMaskBits   uint
	recreateCompress   string
	recreateAttachTAM  bool
)

var recreateCmd = &cobra.Command{
	Use:   "recreate ARCHIVE-NAME",
	Short: "Re-chunk and/or recompress an existing archive in place",
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
		tag, err := parseCompressTag(recreateCompress)
		if err != nil {
			fail(err)
		}

		params := chunker.Params{Min: recreateMin, Max: recreateMax, MaskBits: recreateMaskBits, Window: 64}
		err = sess.withLock(func() error {
			return archive.Recreate(sess.repo, sess.keys, archive.RecreateOptions{
				ArchiveName: name,
				NewParams:   params,
				NewCompress: tag,
				Chunks:      chunks,
				Nonces:      nonces,
				AttachTAM:   recreateAttachTAM,
			})
		})
		if err != nil {
			fail(err)
		}
		if err := sess.saveCaches(chunks, files); err != nil {
			fail(err)
		}
		fmt.Printf("recreated archive %q\n", name)
	},
}

func init() {
	rootCmd.AddCommand(recreateCmd)
	recreateCmd.Flags().Uint32Var(&recreateMin, "chunker-min", chunker.DefaultParams.Min, "minimum chunk size")
	recreateCmd.Flags().Uint32Var(&recreateMax, "chunker-max", chunker.DefaultParams.Max, "maximum chunk size")
	recreateCmd.Flags().UintVar(&recreateMaskBits, "chunker-mask-bits", chunker.DefaultParams.MaskBits, "content-defined-chunking mask bits")
	recreateCmd.Flags().StringVar(&recreateCompress, "compression", "auto", "compression: none, zstd, brotli, flate, or auto")
	recreateCmd.Flags().BoolVar(&recreateAttachTAM, "attach-tam", false, "attach a TAM to the manifest written by this run")
}
