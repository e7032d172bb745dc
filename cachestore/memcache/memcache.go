// Package memcache is the default in-memory implementation of
// engine.DirectoryCache and engine.PathCache: a directory listing and
// resolved-path cache keyed by server, held entirely in a map behind a
// mutex. It has no eviction policy beyond what the engine itself drives
// via InvalidateServer/RemoveDir, so it is best suited to short-lived
// client processes (CLIs, one-shot syncs) rather than long-running
// daemons with many distinct servers.
package memcache

import (
	"strings"
	"sync"

	"github.com/maurelian-labs/goftp/engine"
)

type fileKey struct {
	server, dir, name string
}

type dirEntry struct {
	files  map[string]engine.DirectoryEntry
	cached bool
}

// Cache implements engine.DirectoryCache and engine.PathCache.
type Cache struct {
	mu    sync.RWMutex
	dirs  map[string]*dirEntry // key: server + "\x00" + dir
	paths map[string]string    // key: server + "\x00" + path
}

// New returns an empty, ready-to-use Cache.
func New() *Cache {
	return &Cache{
		dirs:  make(map[string]*dirEntry),
		paths: make(map[string]string),
	}
}

func dirKey(server, dir string) string { return server + "\x00" + dir }
func pathKey(server, p string) string  { return server + "\x00" + p }

// LookupFile implements engine.DirectoryCache.
func (c *Cache) LookupFile(server, dir, name string) (entry engine.DirectoryEntry, found, dirCached, caseMatched bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.dirs[dirKey(server, dir)]
	if !ok {
		return engine.DirectoryEntry{}, false, false, false
	}
	dirCached = d.cached

	if e, ok := d.files[name]; ok {
		return e, true, dirCached, true
	}

	lower := strings.ToLower(name)
	for fname, e := range d.files {
		if strings.ToLower(fname) == lower {
			return e, true, dirCached, false
		}
	}
	return engine.DirectoryEntry{}, false, dirCached, false
}

// UpdateFile implements engine.DirectoryCache: inserts or replaces entry
// and marks the directory as cached (a full LIST/MLSD refresh calls this
// once per entry it parsed).
func (c *Cache) UpdateFile(server, dir string, entry engine.DirectoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.dirOrCreate(server, dir)
	d.cached = true
	d.files[entry.Name] = entry
}

// InvalidateFile marks a single entry as unsure rather than removing it
// outright, so a stale size/mtime isn't trusted for a transfer decision
// but the name is still known to exist (spec.md §4.12).
func (c *Cache) InvalidateFile(server, dir, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.dirs[dirKey(server, dir)]
	if !ok {
		return
	}
	if e, ok := d.files[name]; ok {
		e.Unsure = true
		d.files[name] = e
	}
}

// RemoveFile deletes an entry outright (e.g. after a successful DELE).
func (c *Cache) RemoveFile(server, dir, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.dirs[dirKey(server, dir)]; ok {
		delete(d.files, name)
	}
}

// RemoveDir drops a directory's entire cached listing and, since names
// are shallow and don't track nesting, any directory cached underneath
// it by path prefix.
func (c *Cache) RemoveDir(server, dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := dirKey(server, dir)
	for k := range c.dirs {
		if k == prefix || strings.HasPrefix(k, prefix+"/") {
			delete(c.dirs, k)
		}
	}
}

// Rename updates the cache for a successful RNFR/RNTO, moving the entry
// (with its metadata) from the old name/location to the new one.
func (c *Cache) Rename(server, oldDir, oldName, newDir, newName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.dirs[dirKey(server, oldDir)]
	if !ok {
		return
	}
	entry, ok := old.files[oldName]
	if !ok {
		return
	}
	delete(old.files, oldName)

	entry.Name = newName
	dst := c.dirOrCreateLocked(server, newDir)
	dst.files[newName] = entry
}

// InvalidateServer drops all cached listings and paths for server,
// used by raw/opaque commands that may have mutated anything (spec.md
// §4.12).
func (c *Cache) InvalidateServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := server + "\x00"
	for k := range c.dirs {
		if strings.HasPrefix(k, prefix) {
			delete(c.dirs, k)
		}
	}
	for k := range c.paths {
		if strings.HasPrefix(k, prefix) {
			delete(c.paths, k)
		}
	}
}

func (c *Cache) dirOrCreate(server, dir string) *dirEntry {
	return c.dirOrCreateLocked(server, dir)
}

func (c *Cache) dirOrCreateLocked(server, dir string) *dirEntry {
	k := dirKey(server, dir)
	d, ok := c.dirs[k]
	if !ok {
		d = &dirEntry{files: make(map[string]engine.DirectoryEntry)}
		c.dirs[k] = d
	}
	return d
}

// Lookup implements engine.PathCache.
func (c *Cache) Lookup(server, path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.paths[pathKey(server, path)]
	return v, ok
}

// Put records a resolved path for server, used by path-formatting
// collaborators that cache expensive resolutions (symlink targets,
// server-type-specific joins).
func (c *Cache) Put(server, path, resolved string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[pathKey(server, path)] = resolved
}

// InvalidatePath implements engine.PathCache.
func (c *Cache) InvalidatePath(server, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paths, pathKey(server, path))
}
