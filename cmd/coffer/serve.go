package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/repository/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a repository.Storage RPC server over stdin/stdout",
	Long: `serve reads rpc.Request envelopes from stdin and writes rpc.Response
envelopes to stdout, driving the storage backend named by --repo. It is
the server side of the repository/rpc protocol; coffer itself never spawns
it, so whatever starts it (for example an SSH session) supplies the pipe.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		storage, err := openStorage(requireRepoArg())
		if err != nil {
			fail(err)
		}
		server := rpc.NewServer(storage, os.Stdin, os.Stdout)
		if err := server.Serve(); err != nil {
			fail(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
