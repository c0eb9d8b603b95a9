// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symcache is the disk-backed LRU store of symbol files.
//
// Layout: <root>/<debug file>/<build id>/<debug file>.sym, plus a
// <root>/tmp scratch directory for in-flight downloads. Scratch files
// are promoted into the cache with a rename, so a concurrent Lookup
// never observes a half-written entry. Both directories live on the
// same filesystem for the rename to be atomic.
package symcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crashmill/crashmill/pkg/hash"
	"github.com/crashmill/crashmill/pkg/log"
	"github.com/crashmill/crashmill/pkg/osutil"
)

// Key identifies one cached symbol file.
type Key struct {
	DebugFile string
	BuildID   string
}

func (key Key) String() string {
	return key.DebugFile + "/" + key.BuildID
}

// sanitized maps the key onto the path components it is stored under.
// The index is keyed by sanitized form throughout, so entries rebuilt
// from on-disk directory names after a restart match live keys.
func (key Key) sanitized() Key {
	return Key{
		DebugFile: pathComponent(key.DebugFile),
		BuildID:   pathComponent(key.BuildID),
	}
}

type Cache struct {
	root    string
	scratch string
	budget  int64

	mu      sync.Mutex
	entries map[Key]*entry
	// LRU order, most recently used first. Entries always appear in
	// both entries and lru.
	lru   []*entry
	total int64
}

type entry struct {
	key      Key
	path     string
	size     int64
	pins     int
	checksum hash.Sig // zero for entries rebuilt from disk
}

// New opens (or creates) a cache rooted at root with the given size
// budget in bytes. Entries left by previous runs are indexed, oldest
// first; leftover scratch files are removed.
func New(root string, budget int64) (*Cache, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("symcache: invalid budget %v", budget)
	}
	cache := &Cache{
		root:    root,
		scratch: filepath.Join(root, "tmp"),
		budget:  budget,
		entries: make(map[Key]*entry),
	}
	if err := osutil.MkdirAll(cache.scratch); err != nil {
		return nil, err
	}
	if err := cache.rebuild(); err != nil {
		return nil, err
	}
	return cache, nil
}

// Scratch returns the scratch directory for in-flight downloads.
func (cache *Cache) Scratch() string {
	return cache.scratch
}

// TempFile creates a scratch file for an in-flight download.
func (cache *Cache) TempFile() (string, error) {
	return osutil.TempFile(cache.scratch, "fetch-")
}

// Lookup returns the path of the cached symbol file for key and bumps
// its recency.
func (cache *Cache) Lookup(key Key) (string, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	ent, ok := cache.entries[key.sanitized()]
	if !ok || ent.path == "" {
		misses.Inc()
		return "", false
	}
	cache.bump(ent)
	// Mtime tracks recency across restarts. Best-effort.
	now := time.Now()
	os.Chtimes(ent.path, now, now)
	hits.Inc()
	return ent.path, true
}

// Store promotes a scratch artifact into the cache under key and
// returns the final path. The rename is atomic with respect to
// concurrent Lookups. On failure the scratch file is left in place so
// the caller can still use it transiently.
func (cache *Cache) Store(key Key, scratchPath string) (string, error) {
	key = key.sanitized()
	st, err := os.Stat(scratchPath)
	if err != nil {
		return "", err
	}
	size := st.Size()
	if free, err := osutil.FreeDiskSpace(cache.root); err == nil && size > free {
		return "", fmt.Errorf("symcache: %v bytes needed for %v, %v free", size, key, free)
	}
	dir := filepath.Join(cache.root, key.DebugFile, key.BuildID)
	if err := osutil.MkdirAll(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, key.DebugFile+".sym")
	if err := os.Rename(scratchPath, path); err != nil {
		return "", err
	}
	stores.Inc()
	sig, err := hash.HashFile(path)
	if err != nil {
		log.Errorf("symcache: failed to checksum %v: %v", key, err)
	}

	cache.mu.Lock()
	if old, ok := cache.entries[key]; ok {
		// Pin placeholder getting its file, or a refetched entry whose
		// file the rename already replaced.
		cache.total -= old.size
		old.path = path
		old.size = size
		old.checksum = sig
		cache.total += size
		cache.bump(old)
	} else {
		ent := &entry{key: key, path: path, size: size, checksum: sig}
		cache.entries[key] = ent
		cache.lru = append([]*entry{ent}, cache.lru...)
		cache.total += size
	}
	cache.evictLocked()
	cache.mu.Unlock()
	return path, nil
}

// Checksum returns the content hash recorded when key was stored.
// Entries indexed from disk on startup have no recorded checksum.
func (cache *Cache) Checksum(key Key) (hash.Sig, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	ent, ok := cache.entries[key.sanitized()]
	if !ok || ent.path == "" || ent.checksum == (hash.Sig{}) {
		return hash.Sig{}, false
	}
	return ent.checksum, true
}

// Acquire pins key against eviction. Safe to call for keys not in the
// cache yet: the pin applies once the entry appears.
func (cache *Cache) Acquire(key Key) {
	key = key.sanitized()
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if ent, ok := cache.entries[key]; ok {
		ent.pins++
		return
	}
	ent := &entry{key: key, pins: 1}
	cache.entries[key] = ent
	cache.lru = append([]*entry{ent}, cache.lru...)
}

// Release undoes one Acquire.
func (cache *Cache) Release(key Key) {
	key = key.sanitized()
	cache.mu.Lock()
	defer cache.mu.Unlock()
	ent, ok := cache.entries[key]
	if !ok || ent.pins == 0 {
		log.Errorf("symcache: release of unpinned key %v", key)
		return
	}
	ent.pins--
	if ent.pins == 0 && ent.path == "" {
		// Pin placeholder that never got a Store.
		cache.remove(ent)
	}
}

// TotalSize returns the summed size of all cached entries.
func (cache *Cache) TotalSize() int64 {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.total
}

// Len returns the number of cached entries.
func (cache *Cache) Len() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	n := 0
	for _, ent := range cache.entries {
		if ent.path != "" {
			n++
		}
	}
	return n
}

// EvictUntilUnderBudget removes least-recently-used entries until the
// cache fits its budget. Pinned entries are never evicted.
func (cache *Cache) EvictUntilUnderBudget() {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.evictLocked()
}

func (cache *Cache) evictLocked() {
	for i := len(cache.lru) - 1; i >= 0 && cache.total > cache.budget; i-- {
		ent := cache.lru[i]
		if ent.pins > 0 || ent.path == "" {
			continue
		}
		// Remove the whole <debug>/<id> directory of the entry.
		if err := os.RemoveAll(filepath.Dir(ent.path)); err != nil {
			log.Errorf("symcache: failed to evict %v: %v", ent.key, err)
		}
		evictions.Inc()
		evictedBytes.Add(float64(ent.size))
		cache.remove(ent)
		i = len(cache.lru) // the slice shrank, restart from the tail
	}
}

func (cache *Cache) remove(ent *entry) {
	delete(cache.entries, ent.key)
	for i, e := range cache.lru {
		if e == ent {
			cache.lru = append(cache.lru[:i], cache.lru[i+1:]...)
			break
		}
	}
	cache.total -= ent.size
}

func (cache *Cache) bump(ent *entry) {
	for i, e := range cache.lru {
		if e == ent {
			copy(cache.lru[1:i+1], cache.lru[:i])
			cache.lru[0] = ent
			break
		}
	}
}

// rebuild scans the cache directory and reconstructs the index, LRU
// order taken from file mtimes. Leftover scratch files are dropped.
func (cache *Cache) rebuild() error {
	if names, err := osutil.ListDir(cache.scratch); err == nil {
		for _, name := range names {
			os.Remove(filepath.Join(cache.scratch, name))
		}
	}
	type found struct {
		ent   *entry
		mtime int64
	}
	var all []found
	debugDirs, err := osutil.ListDir(cache.root)
	if err != nil {
		return err
	}
	for _, debugDir := range debugDirs {
		if debugDir == "tmp" {
			continue
		}
		idDirs, err := osutil.ListDir(filepath.Join(cache.root, debugDir))
		if err != nil {
			continue
		}
		for _, idDir := range idDirs {
			dir := filepath.Join(cache.root, debugDir, idDir)
			files, err := osutil.ListDir(dir)
			if err != nil || len(files) == 0 {
				continue
			}
			path := filepath.Join(dir, files[0])
			st, err := os.Stat(path)
			if err != nil {
				continue
			}
			key := Key{DebugFile: debugDir, BuildID: idDir}
			all = append(all, found{
				ent:   &entry{key: key, path: path, size: st.Size()},
				mtime: st.ModTime().UnixNano(),
			})
		}
	}
	// Most recent first.
	sort.Slice(all, func(i, j int) bool { return all[i].mtime > all[j].mtime })
	for _, f := range all {
		cache.entries[f.ent.key] = f.ent
		cache.lru = append(cache.lru, f.ent)
		cache.total += f.ent.size
	}
	cache.evictLocked()
	return nil
}

// pathComponent maps an untrusted name to a safe single path component.
// Names that could escape the cache root are replaced by their hash.
func pathComponent(name string) string {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\:") {
		return hash.String([]byte(name))
	}
	return name
}
