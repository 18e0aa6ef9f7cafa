//go:build !unix

package runstate

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Without flock the lock only excludes other holders in this process.
var (
	errWouldBlock = errors.New("lock held")
	heldMu        sync.Mutex
	held          = make(map[string]bool)
)

func lockKey(f *os.File) string {
	if abs, err := filepath.Abs(f.Name()); err == nil {
		return abs
	}
	return f.Name()
}

func tryLock(f *os.File) error {
	heldMu.Lock()
	defer heldMu.Unlock()
	key := lockKey(f)
	if held[key] {
		return errWouldBlock
	}
	held[key] = true
	return nil
}

func unlock(f *os.File) error {
	heldMu.Lock()
	defer heldMu.Unlock()
	delete(held, lockKey(f))
	return nil
}
