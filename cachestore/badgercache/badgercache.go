// Package badgercache is a badger/v4-backed implementation of
// engine.DirectoryCache and engine.PathCache, for embedders that want
// the remote-listing cache to survive process restarts (a long-running
// sync daemon, a CLI that re-launches frequently against the same
// servers). It trades memcache's simplicity for persistence: every
// mutation is a small badger transaction.
package badgercache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/maurelian-labs/goftp/engine"
)

// Cache implements engine.DirectoryCache and engine.PathCache on top of
// an open badger.DB. The caller owns the DB's lifecycle (Open/Close).
//
// engine.DirectoryCache and engine.PathCache return no error from their
// mutation methods (the engine treats cache maintenance as best-effort,
// never a reason to fail a transfer), so a transaction failure here is
// logged rather than propagated.
type Cache struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens (or creates) a badger database at dir and returns a Cache
// backed by it. Close must be called when done.
func Open(dir string, log *slog.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgercache: open %s: %w", dir, err)
	}
	return New(db, log), nil
}

// New wraps an already-open badger.DB, for embedders sharing one DB
// handle across multiple concerns.
func New(db *badger.DB, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &Cache{db: db, log: log}
}

// Close closes the underlying database if this Cache opened it via
// Open. Safe to call on a Cache built with New only if the caller
// doesn't need the DB afterward, since it closes the shared handle.
func (c *Cache) Close() error { return c.db.Close() }

// Key layout: "f:<server>\x00<dir>\x00<name>" -> encoded fileRecord
//             "d:<server>\x00<dir>"            -> "1" (dir-cached marker)
//             "p:<server>\x00<path>"           -> resolved path string

func fileKey(server, dir, name string) []byte {
	return []byte("f:" + server + "\x00" + dir + "\x00" + name)
}

func fileKeyPrefix(server, dir string) []byte {
	return []byte("f:" + server + "\x00" + dir + "\x00")
}

func dirMarkerKey(server, dir string) []byte {
	return []byte("d:" + server + "\x00" + dir)
}

func pathKey(server, path string) []byte {
	return []byte("p:" + server + "\x00" + path)
}

func serverPrefix(server string) []byte { return []byte(server + "\x00") }

// fileRecord is the JSON-encoded value stored per cached directory
// entry; engine.DirectoryEntry's ModTime needs its accuracy tier
// preserved across encode/decode, so it's split into plain fields here
// rather than encoded opaquely.
type fileRecord struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	IsDir       bool   `json:"is_dir"`
	ModTimeUnix int64  `json:"mod_time_unix,omitempty"`
	ModAccuracy int    `json:"mod_accuracy,omitempty"`
	ModValid    bool   `json:"mod_valid,omitempty"`
	Unsure      bool   `json:"unsure,omitempty"`
}

func encodeEntry(e engine.DirectoryEntry) ([]byte, error) {
	rec := fileRecord{Name: e.Name, Size: e.Size, IsDir: e.IsDir, Unsure: e.Unsure}
	if e.ModTime.IsValid() {
		rec.ModValid = true
		rec.ModTimeUnix = e.ModTime.Time().Unix()
		rec.ModAccuracy = int(e.ModTime.Accuracy())
	}
	return json.Marshal(rec)
}

func decodeEntry(data []byte) (engine.DirectoryEntry, error) {
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return engine.DirectoryEntry{}, err
	}
	entry := engine.DirectoryEntry{Name: rec.Name, Size: rec.Size, IsDir: rec.IsDir, Unsure: rec.Unsure}
	if rec.ModValid {
		entry.ModTime = engine.NewDatetime(time.Unix(rec.ModTimeUnix, 0), engine.Accuracy(rec.ModAccuracy))
	}
	return entry, nil
}

// LookupFile implements engine.DirectoryCache.
func (c *Cache) LookupFile(server, dir, name string) (entry engine.DirectoryEntry, found, dirCached, caseMatched bool) {
	_ = c.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(dirMarkerKey(server, dir)); err == nil {
			dirCached = true
		}

		if item, err := txn.Get(fileKey(server, dir, name)); err == nil {
			if verr := item.Value(func(val []byte) error {
				e, derr := decodeEntry(val)
				if derr != nil {
					return derr
				}
				entry = e
				return nil
			}); verr == nil {
				found = true
				caseMatched = true
				return nil
			}
		}

		lower := strings.ToLower(name)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = fileKeyPrefix(server, dir)
		it := txn.NewIterator(opts)
		defer it.Close()
		prefixLen := len(opts.Prefix)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) <= prefixLen {
				continue
			}
			candidate := string(key[prefixLen:])
			if strings.ToLower(candidate) != lower {
				continue
			}
			return item.Value(func(val []byte) error {
				e, derr := decodeEntry(val)
				if derr != nil {
					return derr
				}
				entry = e
				found = true
				return nil
			})
		}
		return nil
	})
	return entry, found, dirCached, caseMatched
}

// UpdateFile implements engine.DirectoryCache.
func (c *Cache) UpdateFile(server, dir string, entry engine.DirectoryEntry) {
	err := c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dirMarkerKey(server, dir), []byte{'1'}); err != nil {
			return err
		}
		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		return txn.Set(fileKey(server, dir, entry.Name), data)
	})
	if err != nil {
		c.log.Debug("badgercache: UpdateFile failed", "err", err)
	}
}

// InvalidateFile implements engine.DirectoryCache.
func (c *Cache) InvalidateFile(server, dir, name string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(server, dir, name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var entry engine.DirectoryEntry
		if verr := item.Value(func(val []byte) error {
			e, derr := decodeEntry(val)
			if derr != nil {
				return derr
			}
			entry = e
			return nil
		}); verr != nil {
			return verr
		}
		entry.Unsure = true
		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		return txn.Set(fileKey(server, dir, name), data)
	})
	if err != nil {
		c.log.Debug("badgercache: InvalidateFile failed", "err", err)
	}
}

// RemoveFile implements engine.DirectoryCache.
func (c *Cache) RemoveFile(server, dir, name string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fileKey(server, dir, name))
	})
	if err != nil {
		c.log.Debug("badgercache: RemoveFile failed", "err", err)
	}
}

// RemoveDir implements engine.DirectoryCache: drops the directory's
// marker and every cached file entry under it (both the exact directory
// and anything nested, matched by key prefix).
func (c *Cache) RemoveDir(server, dir string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(dirMarkerKey(server, dir)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return deleteByPrefix(txn, fileKeyPrefix(server, dir))
	})
	if err != nil {
		c.log.Debug("badgercache: RemoveDir failed", "err", err)
	}
}

// Rename implements engine.DirectoryCache.
func (c *Cache) Rename(server, oldDir, oldName, newDir, newName string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(server, oldDir, oldName))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var entry engine.DirectoryEntry
		if verr := item.Value(func(val []byte) error {
			e, derr := decodeEntry(val)
			if derr != nil {
				return derr
			}
			entry = e
			return nil
		}); verr != nil {
			return verr
		}
		if err := txn.Delete(fileKey(server, oldDir, oldName)); err != nil {
			return err
		}
		entry.Name = newName
		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		if err := txn.Set(dirMarkerKey(server, newDir), []byte{'1'}); err != nil {
			return err
		}
		return txn.Set(fileKey(server, newDir, newName), data)
	})
	if err != nil {
		c.log.Debug("badgercache: Rename failed", "err", err)
	}
}

// InvalidateServer implements engine.DirectoryCache and engine.PathCache.
func (c *Cache) InvalidateServer(server string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return deleteByPrefix(txn, serverPrefix(server))
	})
	if err != nil {
		c.log.Debug("badgercache: InvalidateServer failed", "err", err)
	}
}

// Lookup implements engine.PathCache.
func (c *Cache) Lookup(server, path string) (string, bool) {
	var resolved string
	found := false
	_ = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(server, path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			resolved = string(val)
			found = true
			return nil
		})
	})
	return resolved, found
}

// Put records a resolved path for server.
func (c *Cache) Put(server, path, resolved string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pathKey(server, path), []byte(resolved))
	})
	if err != nil {
		c.log.Debug("badgercache: Put failed", "err", err)
	}
}

// InvalidatePath implements engine.PathCache.
func (c *Cache) InvalidatePath(server, path string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(pathKey(server, path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		c.log.Debug("badgercache: InvalidatePath failed", "err", err)
	}
}

// deleteByPrefix scans and deletes every key starting with prefix within
// the given transaction. Badger recommends against deleting a very
// large number of keys in one transaction; this cache's key space (one
// FTP server's listings) is small enough in practice that splitting
// across multiple transactions hasn't been needed.
func deleteByPrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		k := it.Item().KeyCopy(nil)
		keys = append(keys, k)
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
