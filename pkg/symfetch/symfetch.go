// Copyright 2025 crashmill project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symfetch acquires raw symbol artifacts from external symbol
// servers. The symbol store consumes the Fetcher interface; the
// implementations here cover the usual sources (HTTP symbol server,
// GCS bucket, local directory).
package symfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound means the symbol server has no artifact for this build id.
// All other errors are transport failures.
var ErrNotFound = errors.New("symbols not found")

// Fetcher retrieves the raw symbol artifact for a module build. The
// artifact may be compressed (gzip or xz); the symbol store sniffs and
// decompresses.
type Fetcher interface {
	Fetch(ctx context.Context, debugFile, buildID string) (io.ReadCloser, error)
}

// SymbolPath returns the conventional symbol-server path of an artifact:
// <debug file>/<build id>/<debug file>.sym.
func SymbolPath(debugFile, buildID string) string {
	return debugFile + "/" + buildID + "/" + debugFile + ".sym"
}

// HTTP fetches symbols from an HTTP(S) symbol server.
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTP creates an HTTP fetcher with a per-attempt timeout.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTP) Fetch(ctx context.Context, debugFile, buildID string) (io.ReadCloser, error) {
	url := f.BaseURL + "/" + SymbolPath(debugFile, buildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %v: status %v", url, resp.Status)
	}
}

// Dir fetches symbols from a local directory laid out like a symbol
// server. Used by tests and air-gapped deployments. Compressed artifacts
// are picked up by extension probing.
type Dir struct {
	Root string
}

func (f *Dir) Fetch(ctx context.Context, debugFile, buildID string) (io.ReadCloser, error) {
	base := filepath.Join(f.Root, filepath.FromSlash(SymbolPath(debugFile, buildID)))
	for _, ext := range []string{"", ".gz", ".xz"} {
		file, err := os.Open(base + ext)
		if err == nil {
			return file, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Multi tries several symbol sources in order. When no source has the
// artifact, a transport error from an earlier source wins over the
// trailing not-found.
type Multi []Fetcher

func (f Multi) Fetch(ctx context.Context, debugFile, buildID string) (io.ReadCloser, error) {
	var firstErr error
	for _, fetcher := range f {
		r, err := fetcher.Fetch(ctx, debugFile, buildID)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, ErrNotFound
}
