package gitrepo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
)

// staleWorktreeAge is how long an unreleased working copy may linger before
// the GC treats it as leaked by a dead dispatcher.
const staleWorktreeAge = 24 * time.Hour

// GC frees disk space: leaked worktrees first, then least-recently-used bare
// mirrors until free space climbs back above minFreeBytes. Runs from the
// maintenance scheduler.
func (c *Cache) GC(ctx context.Context, minFreeBytes uint64) error {
	c.cleanStaleWorktrees()

	usage, err := disk.UsageWithContext(ctx, c.baseDir)
	if err != nil {
		return fmt.Errorf("op=gitrepo.GC: disk usage: %w", err)
	}
	if usage.Free >= minFreeBytes {
		return nil
	}

	mirrors, err := c.mirrorsByAge()
	if err != nil {
		return fmt.Errorf("op=gitrepo.GC: %w", err)
	}
	for _, m := range mirrors {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu := c.slugMutex(m.slug)
		mu.Lock()
		if err := os.RemoveAll(m.path); err != nil {
			mu.Unlock()
			slog.Warn("repo cache gc: failed to remove mirror", slog.String("path", m.path), slog.Any("error", err))
			continue
		}
		_ = os.Remove(m.path + ".last_used")
		_ = os.Remove(m.path + ".flock")
		mu.Unlock()
		slog.Info("repo cache gc: evicted mirror", slog.String("slug", m.slug), slog.Time("last_used", m.lastUsed))

		usage, err = disk.UsageWithContext(ctx, c.baseDir)
		if err != nil {
			return fmt.Errorf("op=gitrepo.GC: disk usage: %w", err)
		}
		if usage.Free >= minFreeBytes {
			return nil
		}
	}
	return nil
}

type mirrorInfo struct {
	slug     string
	path     string
	lastUsed time.Time
}

func (c *Cache) mirrorsByAge() ([]mirrorInfo, error) {
	dir := filepath.Join(c.baseDir, "mirrors")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []mirrorInfo
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".git") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		lastUsed := time.Time{}
		if raw, err := os.ReadFile(path + ".last_used"); err == nil {
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw))); err == nil {
				lastUsed = t
			}
		}
		if lastUsed.IsZero() {
			if info, err := e.Info(); err == nil {
				lastUsed = info.ModTime()
			}
		}
		slug := strings.ReplaceAll(strings.TrimSuffix(e.Name(), ".git"), "__", "/")
		out = append(out, mirrorInfo{slug: slug, path: path, lastUsed: lastUsed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lastUsed.Before(out[j].lastUsed) })
	return out, nil
}

func (c *Cache) cleanStaleWorktrees() {
	dir := filepath.Join(c.baseDir, "worktrees")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleWorktreeAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("repo cache gc: failed to remove stale worktree", slog.String("path", path), slog.Any("error", err))
			continue
		}
		slog.Info("repo cache gc: removed stale worktree", slog.String("path", path))
	}
}
