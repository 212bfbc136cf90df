package probes

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultTableSize = 4096
	DefaultTableTTL  = 30 * time.Second
)

// Table holds socket handles between the begin and end phase of an
// intercepted operation, keyed by the numeric id of the execution unit.
// Those ids are recycled by the OS, so the table is bounded and entries
// expire: a begin overwrites any earlier entry for the same id, End
// consumes the entry it matches, and an entry past its deadline reads as
// absent. Unmatched begins age out of the LRU instead of accumulating.
type Table struct {
	cache *lru.Cache
	ttl   time.Duration
}

type tableEntry struct {
	sock     SockRef
	deadline time.Time
}

// NewTable builds a table bounded to size entries with the given entry
// lifetime. Zero values select the defaults.
func NewTable(size int, ttl time.Duration) (*Table, error) {
	if size <= 0 {
		size = DefaultTableSize
	}
	if ttl <= 0 {
		ttl = DefaultTableTTL
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("correlation table: %w", err)
	}
	return &Table{cache: cache, ttl: ttl}, nil
}

// Begin parks the socket handle observed at the start of an operation.
// Last begin wins for a given id.
func (t *Table) Begin(pid uint32, sock SockRef) {
	t.cache.Add(pid, &tableEntry{sock: sock, deadline: time.Now().Add(t.ttl)})
}

// End consumes the handle parked for id. It reports false when there is no
// live entry, including when the parked entry had expired.
func (t *Table) End(pid uint32) (SockRef, bool) {
	v, ok := t.cache.Get(pid)
	if !ok {
		return nil, false
	}
	t.cache.Remove(pid)
	entry := v.(*tableEntry)
	if time.Now().After(entry.deadline) {
		return nil, false
	}
	return entry.sock, true
}

// Drop discards any entry parked for id.
func (t *Table) Drop(pid uint32) {
	t.cache.Remove(pid)
}

// Len reports the number of parked entries, expired ones included.
func (t *Table) Len() int {
	return t.cache.Len()
}
