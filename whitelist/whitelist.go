package whitelist

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sockaudit/sockaudit/types"
)

// Entry is one allow rule. Path is required and must equal the executable
// path of the event. Addr narrows the rule to one destination address or
// CIDR block and Port to one destination port; a rule carrying either
// never covers exec events.
type Entry struct {
	Path string `yaml:"path"`
	Addr string `yaml:"addr,omitempty"`
	Port uint16 `yaml:"port,omitempty"`
}

type compiledEntry struct {
	path string
	ip   net.IP
	cidr *net.IPNet
	port uint16
}

// file is the on-disk layout:
//
//	entries:
//	  - path: /usr/sbin/sshd
//	    port: 22
//	  - path: /usr/bin/curl
//	    addr: 10.0.0.0/8
type file struct {
	Entries []Entry `yaml:"entries"`
}

// Whitelist drops events covered by allow rules before they reach the
// log. Safe for concurrent use; reloads swap the rule set atomically.
type Whitelist struct {
	log  *zap.Logger
	path string

	mu      sync.RWMutex
	raw     []Entry
	entries []compiledEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads the whitelist file at path. An empty path or a missing file
// yields an empty whitelist so the recorder starts unfiltered instead of
// failing.
func New(path string, logger *zap.Logger) (*Whitelist, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Whitelist{log: logger, path: path}
	if path == "" {
		return w, nil
	}
	if err := w.Reload(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("whitelist file missing, starting unfiltered", zap.String("path", path))
			return w, nil
		}
		return nil, err
	}
	return w, nil
}

// Reload re-reads the backing file. On any error the previous rules stay
// in effect.
func (w *Whitelist) Reload() error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("failed to parse whitelist %s: %w", w.path, err)
	}
	compiled, err := compile(f.Entries)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.raw = f.Entries
	w.entries = compiled
	w.mu.Unlock()

	w.log.Info("whitelist loaded",
		zap.String("path", w.path),
		zap.Int("entries", len(compiled)))
	return nil
}

func compile(entries []Entry) ([]compiledEntry, error) {
	out := make([]compiledEntry, 0, len(entries))
	for i, e := range entries {
		if e.Path == "" {
			return nil, fmt.Errorf("whitelist entry %d has no path", i)
		}
		ce := compiledEntry{path: e.Path, port: e.Port}
		if e.Addr != "" {
			if strings.Contains(e.Addr, "/") {
				_, ipnet, err := net.ParseCIDR(e.Addr)
				if err != nil {
					return nil, fmt.Errorf("whitelist entry %d: bad network %q: %w", i, e.Addr, err)
				}
				ce.cidr = ipnet
			} else {
				ip := net.ParseIP(e.Addr)
				if ip == nil {
					return nil, fmt.Errorf("whitelist entry %d: bad address %q", i, e.Addr)
				}
				ce.ip = ip
			}
		}
		out = append(out, ce)
	}
	return out, nil
}

// Allowed reports whether any rule covers the event. Exec events arrive
// with a zero family, nil destination, and zero port, so only rules
// without network constraints can cover them.
func (w *Whitelist) Allowed(path string, family types.Family, dst net.IP, dstPort uint16) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for i := range w.entries {
		if w.entries[i].covers(path, dst, dstPort) {
			return true
		}
	}
	return false
}

func (e *compiledEntry) covers(path string, dst net.IP, dstPort uint16) bool {
	if e.path != path {
		return false
	}
	if e.ip != nil && (dst == nil || !e.ip.Equal(dst)) {
		return false
	}
	if e.cidr != nil && (dst == nil || !e.cidr.Contains(dst)) {
		return false
	}
	if e.port != 0 && e.port != dstPort {
		return false
	}
	return true
}

// Entries returns a copy of the active rules.
func (w *Whitelist) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, len(w.raw))
	copy(out, w.raw)
	return out
}

// Len reports the number of active rules.
func (w *Whitelist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Watch reloads the whitelist whenever its file changes. The parent
// directory is watched rather than the file itself so editors that
// replace the file via rename are still picked up.
func (w *Whitelist) Watch() error {
	if w.path == "" {
		return errors.New("whitelist has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher
	w.done = make(chan struct{})
	go w.watchFileChanges()
	w.log.Info("watching whitelist for changes", zap.String("path", w.path))
	return nil
}

func (w *Whitelist) watchFileChanges() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.Reload(); err != nil {
				w.log.Error("whitelist reload failed", zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher if one is running.
func (w *Whitelist) Close() error {
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
