//go:build !unix

package workspace

import "os"

// lockFile only creates the marker where flock is unavailable, so a sweep
// cannot tell a live workspace from a stale one
func lockFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
}
