package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/config"
	"github.com/coffer-backup/coffer/lock"
)

var breakLockCmd = &cobra.Command{
	Use:   "break-lock",
	Short: "Forcibly clear a stale exclusive lock",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
		cfg := config.Load()
		hostID := lock.HostID(cfg.HostID)
		if err := lock.BreakStale(url, hostID); err != nil {
			fail(err)
		}
		fmt.Println("lock cleared")
	},
}

var withLockCmd = &cobra.Command{
	Use:   "with-lock -- COMMAND [ARGS...]",
	Short: "Run an external command while holding the repository's exclusive lock",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := requireRepoArg()
		cfg := config.Load()
		hostID := lock.HostID(cfg.HostID)

		err := lock.WithExclusive(url, hostID, false, func() error {
			c := exec.Command(args[0], args[1:]...)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c.Run()
		})
		if err != nil {
			fail(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(breakLockCmd, withLockCmd)
}
