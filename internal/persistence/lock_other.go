//go:build !unix

package persistence

import "sync"

// Without flock only savers inside this process are serialised.
var prefixLocks sync.Map

type fileLock struct {
	mu *sync.RWMutex
	ex bool
}

func lockPrefix(path string, exclusive bool) (*fileLock, error) {
	v, _ := prefixLocks.LoadOrStore(path, &sync.RWMutex{})
	mu := v.(*sync.RWMutex)
	if exclusive {
		mu.Lock()
	} else {
		mu.RLock()
	}
	return &fileLock{mu: mu, ex: exclusive}, nil
}

func (l *fileLock) unlock() error {
	if l.ex {
		l.mu.Unlock()
	} else {
		l.mu.RUnlock()
	}
	return nil
}

func syncDir(string) error {
	return nil
}
