package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/cerrors"
)

var repoURL string

var rootCmd = &cobra.Command{
	Use:   "coffer",
	Short: "coffer is a deduplicating, encrypted backup tool",
	Long: `coffer stores file trees as deduplicated, content-addressed chunks in
an append-only repository, with named archives recorded in a manifest.`,
}

// Execute adds all child commands to the root command and runs it. It is
// called by main.main, once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coffer:", err)
		os.Exit(2)
	}
	// A command can finish without returning an error yet still have
	// logged non-fatal errors along the way (archive.Create skipping an
	// unreadable file, for instance); spec.md §6/§7 want that run to
	// exit 1, not look like an unqualified success.
	os.Exit(cerrors.ExitCode(nil, log.NErrors))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoURL, "repo", "", "repository location (directory path or gs://bucket/prefix); defaults to COFFER_REPO")
}

// repoArg resolves the repository location from --repo, falling back to
// the environment-derived default when unset.
func repoArg() string {
	if repoURL != "" {
		return repoURL
	}
	return os.Getenv("COFFER_REPO")
}

func requireRepoArg() string {
	url := repoArg()
	if url == "" {
		fail(fmt.Errorf("no repository given: pass --repo or set COFFER_REPO"))
	}
	return url
}
