package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or write the repository's server-side configuration",
}

var configGetCmd = &cobra.Command{
	Use:  "get KEY",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := openSession(requireRepoArg())
		if err != nil {
			fail(err)
		}
		v, ok, err := archive.GetConfig(sess.repo, sess.keys, args[0])
		if err != nil {
			fail(err)
		}
		if !ok {
			fail(fmt.Errorf("config key %q is not set", args[0]))
		}
		fmt.Println(v)
	},
}

var configSetCmd = &cobra.Command{
	Use:  "set KEY VALUE",
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := openSession(requireRepoArg())
		if err != nil {
			fail(err)
		}
		nonces, err := sess.nonceSource()
		if err != nil {
			fail(err)
		}
		if err := archive.SetConfig(sess.repo, sess.keys, nonces, args[0], args[1]); err != nil {
			fail(err)
		}
	},
}

var configDeleteCmd = &cobra.Command{
	Use:  "delete KEY",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := openSession(requireRepoArg())
		if err != nil {
			fail(err)
		}
		nonces, err := sess.nonceSource()
		if err != nil {
			fail(err)
		}
		if err := archive.DeleteConfig(sess.repo, sess.keys, nonces, args[0]); err != nil {
			fail(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGetCmd, configSetCmd, configDeleteCmd)
}
