// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package regions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"

	"httpdns/config"
	"httpdns/logger"
)

const (
	sourceHTTPTimeout = 30 * time.Second
	sourceFileName    = "regions.json"
)

type tableJSON struct {
	Regions Table `json:"regions"`
}

func parseTable(data []byte) (Table, error) {
	var out tableJSON
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if len(out.Regions) == 0 {
		return nil, errors.New("no regions defined")
	}
	return out.Regions, nil
}

// Source loads the region table, applying an optional override on top of the
// built-in one.
type Source struct {
	cfg      *config.RegionSourceConfig
	cacheDir string
	client   *http.Client
	logger   *slog.Logger

	mu      sync.RWMutex
	current Table
}

// NewSource returns a source for cfg. A nil cfg serves only the built-in table.
// cacheDir holds git checkouts; empty means the system temp directory.
func NewSource(cfg *config.RegionSourceConfig, cacheDir string, log *slog.Logger) *Source {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "httpdns-regions-git")
	}
	return &Source{
		cfg:      cfg,
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: sourceHTTPTimeout},
		logger:   logger.OrDiscard(log),
		current:  Builtin(),
	}
}

// Table returns the last successfully loaded table.
func (s *Source) Table() Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Merge(nil)
}

// Load reads the override (if any) and returns the merged table. On failure
// the previous table stays in effect.
func (s *Source) Load(ctx context.Context) (Table, error) {
	if s.cfg == nil {
		return s.Table(), nil
	}
	var (
		override Table
		err      error
	)
	switch strings.ToLower(strings.TrimSpace(s.cfg.Type)) {
	case config.RegionSourceURL:
		override, err = s.loadFromURL(ctx, s.cfg.Location)
	case config.RegionSourceGit:
		override, err = s.loadFromGit(ctx, s.cfg.Location)
	default:
		override, err = loadFromFile(s.cfg.Location)
	}
	if err != nil {
		return s.Table(), err
	}
	merged := Builtin().Merge(override)
	s.mu.Lock()
	s.current = merged
	s.mu.Unlock()
	return merged.Merge(nil), nil
}

// Watch reloads url and git sources every refresh interval until ctx ends and
// calls onChange after each successful load.
func (s *Source) Watch(ctx context.Context, onChange func(Table)) {
	if s.cfg == nil || s.cfg.Type == config.RegionSourceFile || s.cfg.RefreshIntervalSeconds <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(s.cfg.RefreshIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := s.Load(ctx)
			if err != nil {
				s.logger.Warn("regions: reload failed", "source", s.cfg.Location, "error", err)
				continue
			}
			if onChange != nil {
				onChange(t)
			}
		}
	}
}

func loadFromFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("regions file: %w", err)
	}
	t, err := parseTable(data)
	if err != nil {
		return nil, fmt.Errorf("regions file %s: %w", path, err)
	}
	return t, nil
}

func (s *Source) loadFromURL(ctx context.Context, url string) (Table, error) {
	ctx, cancel := context.WithTimeout(ctx, sourceHTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("regions url: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("regions url fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("regions url: status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("regions url read: %w", err)
	}
	t, err := parseTable(body)
	if err != nil {
		return nil, fmt.Errorf("regions url json: %w", err)
	}
	return t, nil
}

// loadFromGit clones the repository on first use and pulls afterwards, then
// reads regions.json from the worktree root.
func (s *Source) loadFromGit(ctx context.Context, repoURL string) (Table, error) {
	dir := filepath.Join(s.cacheDir, sanitizeForDir(repoURL))
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("regions git: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, fmt.Errorf("regions git: %w", err)
		}
		if _, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: repoURL, Depth: 1}); err != nil {
			return nil, fmt.Errorf("regions git clone: %w", err)
		}
	} else {
		repo, err := git.PlainOpen(dir)
		if err != nil {
			return nil, fmt.Errorf("regions git open: %w", err)
		}
		w, err := repo.Worktree()
		if err != nil {
			return nil, fmt.Errorf("regions git worktree: %w", err)
		}
		err = w.PullContext(ctx, &git.PullOptions{Depth: 1})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, fmt.Errorf("regions git pull: %w", err)
		}
	}
	return loadFromFile(filepath.Join(dir, sourceFileName))
}

func sanitizeForDir(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(s)
	if s == "" {
		s = "default"
	}
	return s
}
