package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
)

var (
	createComment     string
	createExclude     []string
	createCheckpoint  int
	createAttachTAM   bool
	createCommandLine bool
)

var createCmd = &cobra.Command{
	Use:   "create ARCHIVE-NAME PATH",
	Short: "Create a new archive from a file tree",
	Long: `Create walks PATH, building a new archive named ARCHIVE-NAME (which may
contain {now}-style placeholders, resolved at creation time), deduplicating
unchanged files and chunks against the repository's existing contents.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
		name, root := args[0], args[1]

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

		opts := archive.CreateOptions{
			Name:            name,
			Comment:         createComment,
			Root:            root,
			Matcher:         newGlobMatcher(createExclude),
			Chunks:          chunks,
			Files:           files,
			Nonces:          nonces,
			CheckpointEvery: createCheckpoint,
			AttachTAM:       createAttachTAM,
		}
		if createCommandLine {
			opts.CommandLine = os.Args
		}

		err = sess.withLock(func() error {
			return archive.Create(sess.repo, sess.keys, opts)
		})
		if err != nil {
			fail(err)
		}
		if err := sess.saveCaches(chunks, files); err != nil {
			fail(err)
		}
		fmt.Printf("created archive %q\n", name)
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVar(&createComment, "comment", "", "free-text comment stored with the archive")
	createCmd.Flags().StringArrayVar(&createExclude, "exclude", nil, "glob pattern to exclude (repeatable)")
	createCmd.Flags().IntVar(&createCheckpoint, "checkpoint-every", 0, "write a checkpoint archive every N items (0 disables)")
	createCmd.Flags().BoolVar(&createAttachTAM, "attach-tam", false, "attach a TAM to the manifest written by this run")
	createCmd.Flags().BoolVar(&createCommandLine, "record-command-line", false, "record the invoking command line in the archive metadata")
}
