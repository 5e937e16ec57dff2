//go:build !unix && !windows

package store

import "os"

// No advisory locking here; a journal path must not be shared between
// processes on these platforms.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
