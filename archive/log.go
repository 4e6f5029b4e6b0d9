package archive

import "github.com/coffer-backup/coffer/util"

var log = util.NewLogger(false, false)

// SetLogger installs l as the package-level logger, matching the
// SetLogger hook every other package in this module exposes
// (repository.SetLogger, lock.SetLogger).
func SetLogger(l *util.Logger) { log = l }
