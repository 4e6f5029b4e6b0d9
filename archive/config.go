package archive

import (
	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// Config keys stored in the manifest's server-side configuration map,
// per spec.md §3 Manifest ("server-side configuration (chunker
// params, compression hint)") and SPEC_FULL.md §3's do_config
// generalisation. Freeform additional keys are allowed; these are just
// the ones this module reads itself.
const (
	configChunkerMin      = "chunker.min"
	configChunkerMax      = "chunker.max"
	configChunkerMaskBits = "chunker.mask_bits"
	configCompression     = "compression"
)

// GetConfig reads one key from the manifest's configuration map,
// generalizing archiver.py's do_config read path (SPEC_FULL.md §3).
func GetConfig(repo *repository.Repository, keys crypto.Keys, key string) (string, bool, error) {
	m, err := LoadManifest(repo, keys, false)
	if err != nil {
		return "", false, err
	}
	v, ok := m.Config[key]
	return v, ok, nil
}

// SetConfig writes one key into the manifest's configuration map and
// saves the manifest, preserving its current TAM status.
func SetConfig(repo *repository.Repository, keys crypto.Keys, nonces crypto.NonceSource, key, value string) error {
	m, err := LoadManifest(repo, keys, false)
	if err != nil {
		return err
	}
	if m.Config == nil {
		m.Config = make(map[string]string)
	}
	m.Config[key] = value
	return SaveManifest(repo, keys, nonces, m, len(m.TAM) > 0)
}

// DeleteConfig removes key from the manifest's configuration map. It is
// not an error to delete a key that was never set.
func DeleteConfig(repo *repository.Repository, keys crypto.Keys, nonces crypto.NonceSource, key string) error {
	m, err := LoadManifest(repo, keys, false)
	if err != nil {
		return err
	}
	if _, ok := m.Config[key]; !ok {
		return nil
	}
	delete(m.Config, key)
	return SaveManifest(repo, keys, nonces, m, len(m.TAM) > 0)
}

func requireConfig(m Manifest, key string) (string, error) {
	v, ok := m.Config[key]
	if !ok {
		return "", cerrors.New(cerrors.Consistency, "manifest missing required config key: "+key)
	}
	return v, nil
}
