// Package procinfo resolves executable paths for live processes.
package procinfo

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// DefaultCacheSize bounds the pid lookup cache.
const DefaultCacheSize = 4096

// Resolver reads the executable path of a process from /proc and caches
// it per pid. A recycled pid can serve the previous owner's path until
// Forget or eviction; callers resolving at event time, while the process
// is still alive, see fresh paths.
type Resolver struct {
	log   *zap.Logger
	cache *lru.Cache
}

func NewResolver(size int, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Resolver{log: logger, cache: cache}, nil
}

// ExePath returns the executable path of pid, or "" when the process is
// gone or unreadable.
func (r *Resolver) ExePath(pid uint32) string {
	if v, ok := r.cache.Get(pid); ok {
		return v.(string)
	}
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		r.log.Debug("exe path lookup failed", zap.Uint32("pid", pid), zap.Error(err))
		return ""
	}
	r.cache.Add(pid, path)
	return path
}

// Forget drops the cached path for pid. Call it when the process exits so
// a recycled pid cannot serve a stale path.
func (r *Resolver) Forget(pid uint32) {
	r.cache.Remove(pid)
}

// Len reports the number of cached paths.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
