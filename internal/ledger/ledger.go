// Package ledger remembers the mutations the workspace made itself so that
// the filesystem watcher can recognize their echoes.
//
// Every durable write lands on disk through a rename, which the watcher
// observes like any other edit. Without the ledger that echo would be
// re-broadcast as an external change, reaching the client that made it.
package ledger

import (
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultTTL bounds how long an unclaimed record is kept.
const DefaultTTL = 5 * time.Second

// record is one mutation made by the workspace. landed is the sequence number
// at which it reached the disk, zero while it is in flight.
type record struct {
	id      uint64
	hash    uint64
	removed bool
	landed  uint64
	expires time.Time
}

type Ledger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	seq     uint64
	entries map[string][]record
}

func New(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string][]record),
	}
}

// Hash returns the content fingerprint used by the ledger.
func Hash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// HashReader fingerprints a stream without holding it in memory.
func HashReader(r io.Reader) (uint64, int64, error) {
	d := xxhash.New()
	n, err := io.Copy(d, r)
	if err != nil {
		return 0, n, err
	}
	return d.Sum64(), n, nil
}

// RecordWrite notes that absPath is about to be written with content hashing
// to hash. The returned id is passed to Land once the write is on disk, or to
// Drop if it failed.
func (l *Ledger) RecordWrite(absPath string, hash uint64) uint64 {
	return l.add(absPath, record{hash: hash})
}

// RecordRemove notes that absPath is about to be removed (or renamed away).
func (l *Ledger) RecordRemove(absPath string) uint64 {
	return l.add(absPath, record{removed: true})
}

// Land marks records as on disk. Only landed records can be superseded.
func (l *Ledger) Land(ids ...uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.each(ids, func(recs []record, i int) bool {
		recs[i].landed = l.seq
		return true
	})
}

// Drop forgets records whose mutation failed.
func (l *Ledger) Drop(ids ...uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.each(ids, func([]record, int) bool { return false })
}

// Mark returns the current landing sequence. An observation of the disk that
// starts after Mark sees every record landed up to it.
func (l *Ledger) Mark() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// ClaimWrite consumes a matching write record. It returns true when the
// observed content is the workspace's own write. Older write records for the
// same path are discarded with it: the disk has moved past them.
func (l *Ledger) ClaimWrite(absPath string, hash uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recs := l.entries[absPath]
	for i, r := range recs {
		if r.removed || now.After(r.expires) || r.hash != hash {
			continue
		}
		kept := make([]record, 0, len(recs)-1)
		for j, o := range recs {
			if j == i || (j < i && !o.removed) {
				continue
			}
			kept = append(kept, o)
		}
		l.store(absPath, kept)
		return true
	}
	return false
}

// ClaimRemove consumes a matching removal record.
func (l *Ledger) ClaimRemove(absPath string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recs := l.entries[absPath]
	for i, r := range recs {
		if !r.removed || now.After(r.expires) {
			continue
		}
		l.store(absPath, append(recs[:i:i], recs[i+1:]...))
		return true
	}
	return false
}

// Supersede discards the records of absPath that landed at or before mark.
// The caller observed a state of the disk matching none of them, so their
// echoes will never arrive. written and removed report the kind of the newest
// discarded record, which is what the subscribers were last told.
func (l *Ledger) Supersede(absPath string, mark uint64) (written, removed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.entries[absPath]
	kept := make([]record, 0, len(recs))
	var newest *record
	for i, r := range recs {
		if r.landed == 0 || r.landed > mark {
			kept = append(kept, r)
			continue
		}
		if newest == nil || r.landed >= newest.landed {
			newest = &recs[i]
		}
	}
	if newest == nil {
		return false, false
	}
	written, removed = !newest.removed, newest.removed
	l.store(absPath, kept)
	return written, removed
}

// Len returns the number of live records, for tests and diagnostics.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	n := 0
	for _, recs := range l.entries {
		n += len(recs)
	}
	return n
}

func (l *Ledger) add(absPath string, r record) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked()
	l.seq++
	r.id = l.seq
	r.expires = l.now().Add(l.ttl)
	l.entries[absPath] = append(l.entries[absPath], r)
	return r.id
}

// each calls fn for every live record whose id is in ids. Records for which
// fn returns false are removed.
func (l *Ledger) each(ids []uint64, fn func(recs []record, i int) bool) {
	if len(ids) == 0 {
		return
	}
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for path, recs := range l.entries {
		kept := recs[:0]
		for i := range recs {
			if want[recs[i].id] && !fn(recs, i) {
				continue
			}
			kept = append(kept, recs[i])
		}
		l.store(path, kept)
	}
}

func (l *Ledger) store(absPath string, recs []record) {
	if len(recs) == 0 {
		delete(l.entries, absPath)
		return
	}
	l.entries[absPath] = recs
}

func (l *Ledger) pruneLocked() {
	now := l.now()
	for path, recs := range l.entries {
		kept := recs[:0]
		for _, r := range recs {
			if !now.After(r.expires) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(l.entries, path)
		} else {
			l.entries[path] = kept
		}
	}
}
