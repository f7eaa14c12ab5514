package store

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// acquireMigrationLock takes an exclusive flock on a sidecar file next to
// the database so two processes (daemon starting while the sync CLI runs,
// say) never migrate concurrently. Blocks until the lock is free and
// returns a release func.
func acquireMigrationLock(dbPath string) (release func(), err error) {
	lockPath := dbPath + ".migrate.lock"
	if dir := filepath.Dir(lockPath); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration lock %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
