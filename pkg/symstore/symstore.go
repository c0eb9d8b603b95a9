// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symstore resolves modules to parsed symbol tables.
//
// Tables are kept in a process-lifetime map shared across requests and
// backed by the disk cache; cache misses go to the fetch collaborator.
// Resolution never fails the caller: any problem degrades to the empty
// table and a diagnostic note. Concurrent resolutions of one build id
// collapse into a single fetch+parse.
package symstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/crashmill/crashmill/pkg/breakpad"
	"github.com/crashmill/crashmill/pkg/log"
	"github.com/crashmill/crashmill/pkg/symcache"
	"github.com/crashmill/crashmill/pkg/symfetch"
	"golang.org/x/sync/singleflight"
)

// Diag receives per-request diagnostic notes, which end up in the crash
// report as processor notes. May be nil.
type Diag func(format string, args ...interface{})

type Options struct {
	// How long a failed fetch suppresses retries for the same build id.
	// Guards against refetching throughout a crash batch.
	NegativeTTL time.Duration
}

const DefaultNegativeTTL = time.Minute

type Store struct {
	cache   *symcache.Cache
	fetcher symfetch.Fetcher
	negTTL  time.Duration

	mu       sync.RWMutex
	tables   map[string]*breakpad.Table // build id -> table
	negative map[string]time.Time       // build id -> retry deadline

	group singleflight.Group
}

func New(cache *symcache.Cache, fetcher symfetch.Fetcher, opts Options) *Store {
	if opts.NegativeTTL == 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	return &Store{
		cache:    cache,
		fetcher:  fetcher,
		negTTL:   opts.NegativeTTL,
		tables:   make(map[string]*breakpad.Table),
		negative: make(map[string]time.Time),
	}
}

type resolution struct {
	table   *breakpad.Table
	warns   []string
	scratch string
}

// Resolve returns the symbol table for a module build. It never fails:
// unresolvable symbols yield breakpad.Empty, degrading frames to
// address-only, with the reason reported to diag.
func (store *Store) Resolve(ctx context.Context, debugFile, buildID string, diag Diag) *breakpad.Table {
	if diag == nil {
		diag = func(string, ...interface{}) {}
	}
	if buildID == "" {
		diag("module %v has no build id, symbols unavailable", debugFile)
		return breakpad.Empty
	}
	store.mu.RLock()
	table, ok := store.tables[buildID]
	deadline, negative := store.negative[buildID]
	store.mu.RUnlock()
	if ok {
		return table
	}
	if negative && time.Now().Before(deadline) {
		diag("symbols for %v/%v unavailable (negative-cached)", debugFile, buildID)
		return breakpad.Empty
	}

	v, err, _ := store.group.Do(buildID, func() (interface{}, error) {
		return store.resolve(ctx, debugFile, buildID)
	})
	if err != nil {
		diag("symbols for %v/%v unavailable: %v", debugFile, buildID, err)
		return breakpad.Empty
	}
	res := v.(*resolution)
	for _, warn := range res.warns {
		diag("%v", warn)
	}
	return res.table
}

func (store *Store) resolve(ctx context.Context, debugFile, buildID string) (*resolution, error) {
	// A waiter may have been queued behind a finished flight.
	store.mu.RLock()
	table, ok := store.tables[buildID]
	store.mu.RUnlock()
	if ok {
		return &resolution{table: table}, nil
	}

	key := symcache.Key{DebugFile: debugFile, BuildID: buildID}
	// The pin spans lookup/fetch/promote/parse so eviction cannot take
	// the file out from under us.
	store.cache.Acquire(key)
	defer store.cache.Release(key)

	res := &resolution{}
	path, cached := store.cache.Lookup(key)
	if !cached {
		var err error
		path, err = store.fetchIntoCache(ctx, key, res)
		if err != nil {
			store.recordFailure(buildID)
			return nil, err
		}
		if path == "" {
			// Stored only transiently, remove the scratch file after parsing.
			defer os.Remove(res.scratch)
			path = res.scratch
		}
	}
	table, err := breakpad.ParseFile(path)
	if err != nil {
		store.recordFailure(buildID)
		return nil, fmt.Errorf("bad symbol file: %w", err)
	}
	log.Logf(2, "symstore: loaded %v/%v (cached=%v)", debugFile, buildID, cached)
	store.mu.Lock()
	store.tables[buildID] = table
	delete(store.negative, buildID)
	store.mu.Unlock()
	res.table = table
	return res, nil
}

// fetchIntoCache downloads and decompresses the artifact into the cache
// scratch area and promotes it. On cache promotion failure (disk full,
// permissions) it returns an empty path with res.scratch holding the
// transient artifact: a CacheIOError is not fatal to the walk.
func (store *Store) fetchIntoCache(ctx context.Context, key symcache.Key, res *resolution) (string, error) {
	fetches.Inc()
	body, err := store.fetcher.Fetch(ctx, key.DebugFile, key.BuildID)
	if err != nil {
		fetchErrors.Inc()
		if errors.Is(err, symfetch.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer body.Close()

	scratch, err := store.cache.TempFile()
	if err != nil {
		return "", err
	}
	if err := spool(body, scratch); err != nil {
		os.Remove(scratch)
		return "", err
	}
	path, err := store.cache.Store(key, scratch)
	if err != nil {
		res.warns = append(res.warns,
			fmt.Sprintf("symbols for %v not cached, using transient copy: %v", key, err))
		res.scratch = scratch
		return "", nil
	}
	if sig, ok := store.cache.Checksum(key); ok {
		log.Logf(2, "symstore: cached %v (sha1 %v)", key, sig.String())
	}
	return path, nil
}

func (store *Store) recordFailure(buildID string) {
	store.mu.Lock()
	store.negative[buildID] = time.Now().Add(store.negTTL)
	store.mu.Unlock()
}

// spool writes the (possibly compressed) artifact stream into file,
// decompressed.
func spool(r io.Reader, file string) error {
	decompressed, err := decompress(r)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, decompressed); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
