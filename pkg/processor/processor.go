// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package processor ties the pipeline together: parse a minidump,
// resolve symbols for the modules it references, walk every thread and
// render a report. One Processor serves many requests; the symbol
// cache and the in-memory table map are shared across all of them.
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crashmill/crashmill/pkg/breakpad"
	"github.com/crashmill/crashmill/pkg/log"
	"github.com/crashmill/crashmill/pkg/minidump"
	"github.com/crashmill/crashmill/pkg/report"
	"github.com/crashmill/crashmill/pkg/stackwalk"
	"github.com/crashmill/crashmill/pkg/symcache"
	"github.com/crashmill/crashmill/pkg/symfetch"
	"github.com/crashmill/crashmill/pkg/symstore"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const fetchTimeout = 30 * time.Second

type Processor struct {
	cfg   *Config
	cache *symcache.Cache
	store *symstore.Store
	gcs   *symfetch.GCS // non-nil only when configured, owned for Close
}

func New(cfg *Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := symcache.New(cfg.CacheDir, cfg.CacheBudget)
	if err != nil {
		return nil, fmt.Errorf("symbol cache: %w", err)
	}
	proc := &Processor{cfg: cfg, cache: cache}
	var fetchers symfetch.Multi
	for _, dir := range cfg.SymbolDirs {
		fetchers = append(fetchers, &symfetch.Dir{Root: dir})
	}
	for _, url := range cfg.SymbolURLs {
		fetchers = append(fetchers, symfetch.NewHTTP(url, fetchTimeout))
	}
	if cfg.GCSBucket != "" {
		gcs, err := symfetch.NewGCS(context.Background(), cfg.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs bucket %v: %w", cfg.GCSBucket, err)
		}
		proc.gcs = gcs
		fetchers = append(fetchers, gcs)
	}
	if len(fetchers) == 0 {
		log.Logf(0, "no symbol sources configured, reports will be address-only")
	}
	proc.store = symstore.New(cache, fetchers, symstore.Options{
		NegativeTTL: time.Duration(cfg.NegativeTTLSec) * time.Second,
	})
	return proc, nil
}

func (proc *Processor) Close() error {
	if proc.gcs != nil {
		return proc.gcs.Close()
	}
	return nil
}

// Process symbolicates one crash. A zero crash id gets a fresh one.
// The only failure mode is a dump that cannot be parsed; everything
// else degrades into diagnostics inside the report.
func (proc *Processor) Process(ctx context.Context, crashID uuid.UUID, data []byte) (*report.Report, error) {
	if crashID == uuid.Nil {
		crashID = uuid.New()
	}
	statRequests.Inc()
	start := time.Now()

	dump, err := minidump.Parse(data)
	if err != nil {
		statParseErrors.Inc()
		return nil, fmt.Errorf("crash %v: %w", crashID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(proc.cfg.RequestTimeoutSec)*time.Second)
	defer cancel()

	var mu sync.Mutex
	var notes []string
	diag := func(format string, args ...interface{}) {
		mu.Lock()
		notes = append(notes, fmt.Sprintf(format, args...))
		mu.Unlock()
	}
	tables := proc.resolveModules(ctx, dump, diag)
	lookup := func(mod *minidump.Module, rel uint64) *breakpad.Symbol {
		if table := tables[mod.BuildID]; table != nil {
			return table.Lookup(rel)
		}
		return nil
	}

	walks := make([][]stackwalk.Frame, len(dump.Threads))
	truncated := make([]bool, len(dump.Threads))
	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(proc.cfg.Parallelism)
	opts := stackwalk.Options{Arch: dump.Arch, MaxFrames: proc.cfg.WalkMaxFrames}
	for i := range dump.Threads {
		group.Go(func() error {
			thread := &dump.Threads[i]
			if ctx.Err() != nil {
				// Deadline hit: keep the addresses, drop symbolication.
				walks[i], _ = stackwalk.Walk(thread, dump.Modules, nil, opts)
				truncated[i] = true
				return nil
			}
			walks[i], truncated[i] = stackwalk.Walk(thread, dump.Modules, lookup, opts)
			return nil
		})
	}
	group.Wait()

	rep := report.Generate(dump, walks)
	rep.CrashID = crashID.String()
	for i, thread := range dump.Threads {
		if truncated[i] {
			statTruncations.Inc()
			rep.MarkTruncated(thread.ID)
		}
	}
	sort.Strings(notes)
	rep.Notes = notes
	statWalkDuration.Observe(time.Since(start).Seconds())
	log.Logf(1, "crash %v: %v modules, %v threads, %v notes in %v",
		crashID, len(dump.Modules), len(dump.Threads), len(notes), time.Since(start))
	return rep, nil
}

// resolveModules prefetches symbol tables for every distinct build id
// the dump references. Resolution failures surface as diagnostics, the
// returned map simply lacks those entries.
func (proc *Processor) resolveModules(ctx context.Context, dump *minidump.Minidump,
	diag symstore.Diag) map[string]*breakpad.Table {
	var mu sync.Mutex
	tables := make(map[string]*breakpad.Table)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(proc.cfg.Parallelism)
	for _, mod := range dump.Modules {
		if mod.BuildID == "" {
			diag("module %v: no build id, symbols unavailable", mod.Name)
			continue
		}
		mu.Lock()
		_, dup := tables[mod.BuildID]
		if !dup {
			tables[mod.BuildID] = breakpad.Empty
		}
		mu.Unlock()
		if dup {
			continue
		}
		group.Go(func() error {
			table := proc.store.Resolve(ctx, mod.DebugFile, mod.BuildID, diag)
			mu.Lock()
			tables[mod.BuildID] = table
			mu.Unlock()
			return nil
		})
	}
	group.Wait()
	return tables
}
