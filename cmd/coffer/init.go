package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coffer-backup/coffer/archive"
	"github.com/coffer-backup/coffer/config"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/keymgr"
	"github.com/coffer-backup/coffer/lock"
	"github.com/coffer-backup/coffer/repository"
)

var initEncryption string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new, empty repository",
	Long: `Create a new, empty repository at the given location (or --repo), in one
of the three encryption modes: none, repokey, or keyfile (default repokey).`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := repoArg()
		if len(args) == 1 {
			url = args[0]
		}
		if url == "" {
			fail(fmt.Errorf("no repository given: pass --repo, set COFFER_REPO, or give a location argument"))
		}

		if err := os.MkdirAll(url, 0700); err != nil {
			fail(err)
		}
		storage, err := openStorage(url)
		if err != nil {
			fail(err)
		}
		repo, err := repository.Open(storage)
		if err != nil {
			fail(err)
		}

		cfg := config.Load()
		var mode keymgr.Mode
		switch initEncryption {
		case "none":
			mode = keymgr.ModeNone
		case "repokey":
			mode = keymgr.ModeRepokey
		case "keyfile":
			mode = keymgr.ModeKeyfile
		default:
			fail(fmt.Errorf("unknown --encryption mode %q (want none, repokey, or keyfile)", initEncryption))
		}

		keys, err := initKeys(storage, cfg, mode)
		if err != nil {
			fail(err)
		}

		nonces, err := lock.OpenNonceCounter(cfg.SecurityDir, repoID(url), 0)
		if err != nil {
			fail(err)
		}
		manifest := archive.NewManifest()
		if err := archive.SaveManifest(repo, keys, nonces, manifest, false); err != nil {
			fail(err)
		}
		fmt.Printf("initialized repository at %s (encryption: %s)\n", url, mode)
	},
}

// initKeys generates fresh key material for a new repository, wrapping
// it under the configured passphrase for repokey/keyfile mode, and
// persists the wrapped form through the mode-appropriate location.
func initKeys(storage repository.Storage, cfg config.Config, mode keymgr.Mode) (crypto.Keys, error) {
	if mode == keymgr.ModeNone {
		return crypto.Keys{}, nil
	}
	passphrase, ok, err := cfg.PassphrasePriority()
	if err != nil {
		return crypto.Keys{}, err
	}
	if !ok {
		passphrase, err = promptPassphrase("Enter new passphrase: ")
		if err != nil {
			return crypto.Keys{}, fmt.Errorf("repository requires a passphrase: set COFFER_NEW_PASSPHRASE or answer the prompt (%w)", err)
		}
	}
	keys, wrapped, err := keymgr.Generate(mode, passphrase)
	if err != nil {
		return crypto.Keys{}, err
	}
	return keys, writeWrappedKey(storage, cfg, wrapped)
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initEncryption, "encryption", "repokey", "encryption mode: none, repokey, or keyfile")
}
