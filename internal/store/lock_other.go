//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd)

package store

import "context"

// lockFile is a no-op where flock is unavailable. Writes within one process
// are still serialized by the repository.
func lockFile(ctx context.Context, path string) (func(), error) {
	return func() {}, ctx.Err()
}
