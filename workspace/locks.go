package workspace

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/devdost/wsync/sandbox"
)

// pathLocks serializes operations per absolute path. A locked path is held
// exclusively and each of its ancestor directories below root is held
// shared, so an operation on a directory excludes every operation inside it.
// Entries are reference counted and removed when the last holder unlocks.
type pathLocks struct {
	root  string
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.RWMutex
	refs int
}

type lockKey struct {
	path      string
	exclusive bool
}

func newPathLocks(root string) *pathLocks {
	return &pathLocks{root: root, locks: make(map[string]*pathLock)}
}

// lock acquires every given path and its ancestors in sorted order and
// returns a function releasing them. A path that is both a target and an
// ancestor of another target is held exclusively.
func (p *pathLocks) lock(paths ...string) func() {
	modes := make(map[string]bool)
	for _, target := range paths {
		modes[target] = true
		for dir := filepath.Dir(target); dir != p.root && sandbox.Within(p.root, dir); dir = filepath.Dir(dir) {
			if _, ok := modes[dir]; !ok {
				modes[dir] = false
			}
		}
	}

	keys := make([]lockKey, 0, len(modes))
	for path, exclusive := range modes {
		keys = append(keys, lockKey{path: path, exclusive: exclusive})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].path < keys[j].path })

	held := make([]*pathLock, 0, len(keys))
	for _, k := range keys {
		p.mu.Lock()
		l, ok := p.locks[k.path]
		if !ok {
			l = &pathLock{}
			p.locks[k.path] = l
		}
		l.refs++
		p.mu.Unlock()

		if k.exclusive {
			l.mu.Lock()
		} else {
			l.mu.RLock()
		}
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			if keys[i].exclusive {
				held[i].mu.Unlock()
			} else {
				held[i].mu.RUnlock()
			}
			p.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(p.locks, keys[i].path)
			}
			p.mu.Unlock()
		}
	}
}

func (p *pathLocks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
