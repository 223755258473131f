package invalidation

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 8192
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// returns true if v is greater than last seen
func (d *versionDedupe) isNewer(key string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Peek(key); ok && v <= last {
		return false
	}
	return true
}

// record stores v for keys that have not seen a newer version meanwhile.
func (d *versionDedupe) record(keys []string, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		if last, ok := d.lru.Get(k); ok && v <= last {
			continue
		}
		d.lru.Add(k, v)
	}
}
