package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/config"
	"github.com/coffer-backup/coffer/keymgr"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Export, import, or re-wrap a repository's key material",
}

var keyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the repository's wrapped key material to stdout",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		storage, err := openStorage(requireRepoArg())
		if err != nil {
			fail(err)
		}
		wrapped, ok, err := readWrappedKey(storage, cfg)
		if err != nil {
			fail(err)
		}
		if !ok {
			fail(fmt.Errorf("repository has no key material (mode none)"))
		}
		fmt.Print(keymgr.Export(wrapped))
	},
}

var keyImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import wrapped key material exported by `key export`",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		storage, err := openStorage(requireRepoArg())
		if err != nil {
			fail(err)
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			fail(err)
		}
		wrapped, err := keymgr.Import(string(data))
		if err != nil {
			fail(err)
		}
		if err := writeWrappedKey(storage, cfg, wrapped); err != nil {
			fail(err)
		}
		fmt.Println("imported key material")
	},
}

var keyChangePassphraseCmd = &cobra.Command{
	Use:   "change-passphrase",
	Short: "Re-wrap the repository's key material under a new passphrase",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		storage, err := openStorage(requireRepoArg())
		if err != nil {
			fail(err)
		}
		wrapped, ok, err := readWrappedKey(storage, cfg)
		if err != nil {
			fail(err)
		}
		if !ok {
			fail(fmt.Errorf("repository has no key material (mode none)"))
		}
		oldPass := cfg.Passphrase
		if oldPass == "" {
			fail(fmt.Errorf("no current passphrase configured (COFFER_PASSPHRASE)"))
		}
		newPass := cfg.NewPassphrase
		if newPass == "" {
			fail(fmt.Errorf("no new passphrase configured (COFFER_NEW_PASSPHRASE)"))
		}
		rewrapped, err := keymgr.ChangePassphrase(wrapped, oldPass, newPass)
		if err != nil {
			fail(err)
		}
		if err := writeWrappedKey(storage, cfg, rewrapped); err != nil {
			fail(err)
		}
		fmt.Println("passphrase changed")
	},
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyExportCmd, keyImportCmd, keyChangePassphraseCmd)
}
