// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package processor

import (
	"fmt"
	"runtime"

	"github.com/crashmill/crashmill/pkg/config"
	"github.com/crashmill/crashmill/pkg/stackwalk"
)

type Config struct {
	// Symbol cache directory, created if missing.
	CacheDir string `json:"cache_dir"`
	// Symbol cache disk budget in bytes.
	CacheBudget int64 `json:"cache_budget"`
	// Symbol server base URLs, probed in order.
	SymbolURLs []string `json:"symbol_urls,omitempty"`
	// Local symbol directories, probed before the URLs.
	SymbolDirs []string `json:"symbol_dirs,omitempty"`
	// GCS symbol bucket, "bucket" or "bucket/prefix". Probed last.
	GCSBucket string `json:"gcs_bucket,omitempty"`
	// Wall-clock deadline for one Process call, in seconds.
	RequestTimeoutSec int `json:"request_timeout_sec,omitempty"`
	// How long a failed symbol fetch is remembered, in seconds.
	NegativeTTLSec int `json:"negative_ttl_sec,omitempty"`
	// Frame cap per thread.
	WalkMaxFrames int `json:"walk_max_frames,omitempty"`
	// Concurrent symbol fetches / thread walks per request.
	Parallelism int `json:"parallelism,omitempty"`
}

const (
	defaultCacheBudget       = 4 << 30
	defaultRequestTimeoutSec = 60
)

func LoadConfig(filename string) (*Config, error) {
	cfg := new(Config)
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills in defaults and rejects nonsense values.
func (cfg *Config) Validate() error {
	if cfg.CacheDir == "" {
		return fmt.Errorf("config: cache_dir is empty")
	}
	if cfg.CacheBudget == 0 {
		cfg.CacheBudget = defaultCacheBudget
	}
	if cfg.CacheBudget < 0 {
		return fmt.Errorf("config: negative cache_budget %v", cfg.CacheBudget)
	}
	if cfg.RequestTimeoutSec == 0 {
		cfg.RequestTimeoutSec = defaultRequestTimeoutSec
	}
	if cfg.RequestTimeoutSec < 0 {
		return fmt.Errorf("config: negative request_timeout_sec %v", cfg.RequestTimeoutSec)
	}
	if cfg.NegativeTTLSec < 0 {
		return fmt.Errorf("config: negative negative_ttl_sec %v", cfg.NegativeTTLSec)
	}
	if cfg.WalkMaxFrames == 0 {
		cfg.WalkMaxFrames = stackwalk.MaxFrames
	}
	if cfg.WalkMaxFrames < 0 || cfg.WalkMaxFrames > stackwalk.MaxFrames {
		return fmt.Errorf("config: walk_max_frames %v out of range [1, %v]",
			cfg.WalkMaxFrames, stackwalk.MaxFrames)
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	if cfg.Parallelism < 0 {
		return fmt.Errorf("config: negative parallelism %v", cfg.Parallelism)
	}
	return nil
}
