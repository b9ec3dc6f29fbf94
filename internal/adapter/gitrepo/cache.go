// Package gitrepo maintains the shared repository cache scans run from.
//
// Each repository slug gets one bare mirror under the cache dir; every scan
// gets its own detached working copy extracted from the mirror, so concurrent
// dispatchers never share a checkout. Mirror writes are serialized per slug
// with a file lock (cross-process) plus an in-process mutex map.
package gitrepo

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// Cache implements domain.RepoCache on a local directory tree:
//
//	<base>/mirrors/<slug>.git    bare mirrors
//	<base>/worktrees/<id>        per-scan working copies
type Cache struct {
	baseDir string
	baseURL string
	token   string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Cache rooted at baseDir. baseURL is prefixed to a slug to form
// the clone URL; token, when set, authenticates HTTPS fetches.
func New(baseDir, baseURL, token string) *Cache {
	return &Cache{
		baseDir: baseDir,
		baseURL: baseURL,
		token:   token,
		locks:   map[string]*sync.Mutex{},
	}
}

// CloneURL forms the remote URL for a slug.
func (c *Cache) CloneURL(slug string) string {
	if strings.Contains(slug, "://") {
		return slug
	}
	return strings.TrimSuffix(c.baseURL, "/") + "/" + slug
}

func (c *Cache) mirrorPath(slug string) string {
	return filepath.Join(c.baseDir, "mirrors", slugKey(slug)+".git")
}

// slugKey flattens "org/repo" into a single path element.
func slugKey(slug string) string {
	return strings.ReplaceAll(strings.Trim(slug, "/"), "/", "__")
}

func (c *Cache) slugMutex(slug string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[slug]
	if !ok {
		m = &sync.Mutex{}
		c.locks[slug] = m
	}
	return m
}

func (c *Cache) auth() *githttp.BasicAuth {
	if c.token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "scan-orchestrator", Password: c.token}
}

// Ensure makes the bare mirror for slug exist and be fresh: clone on first
// sight, fetch afterwards. Unreachable remotes classify as the retryable
// repo-unreachable failure.
func (c *Cache) Ensure(ctx domain.Context, slug string) (string, error) {
	tracer := otel.Tracer("adapter.gitrepo")
	ctx, span := tracer.Start(ctx, "gitrepo.Ensure")
	defer span.End()
	span.SetAttributes(attribute.String("repo.slug", slug))

	mu := c.slugMutex(slug)
	mu.Lock()
	defer mu.Unlock()

	barePath := c.mirrorPath(slug)
	if err := os.MkdirAll(filepath.Dir(barePath), 0o750); err != nil {
		return "", fmt.Errorf("op=gitrepo.Ensure: %w", err)
	}

	fl := flock.New(barePath + ".flock")
	locked, err := fl.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("op=gitrepo.Ensure: lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("op=gitrepo.Ensure: lock not acquired")
	}
	defer func() { _ = fl.Unlock() }()

	if _, err := os.Stat(barePath); errors.Is(err, os.ErrNotExist) {
		_, err := gogit.PlainCloneContext(ctx, barePath, true, &gogit.CloneOptions{
			URL:    c.CloneURL(slug),
			Mirror: true,
			Auth:   c.auth(),
		})
		if err != nil {
			_ = os.RemoveAll(barePath)
			return "", domain.NewTransientError(domain.ReasonRepoUnreachable, fmt.Errorf("op=gitrepo.Ensure: clone %s: %w", slug, err))
		}
		c.touch(barePath)
		return barePath, nil
	}

	repo, err := gogit.PlainOpen(barePath)
	if err != nil {
		return "", fmt.Errorf("op=gitrepo.Ensure: open mirror: %w", err)
	}
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "origin",
		Force:      true,
		Auth:       c.auth(),
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return "", domain.NewTransientError(domain.ReasonRepoUnreachable, fmt.Errorf("op=gitrepo.Ensure: fetch %s: %w", slug, err))
	}
	c.touch(barePath)
	return barePath, nil
}

// Checkout extracts commit into a fresh working copy owned by dispatcherID.
// A commit absent even after a refetch is the permanent commit-missing class.
func (c *Cache) Checkout(ctx domain.Context, slug, commit, dispatcherID string) (string, error) {
	tracer := otel.Tracer("adapter.gitrepo")
	ctx, span := tracer.Start(ctx, "gitrepo.Checkout")
	defer span.End()
	span.SetAttributes(
		attribute.String("repo.slug", slug),
		attribute.String("repo.commit", commit),
	)

	barePath := c.mirrorPath(slug)
	if _, err := os.Stat(barePath); errors.Is(err, os.ErrNotExist) {
		if _, err := c.Ensure(ctx, slug); err != nil {
			return "", err
		}
	}

	hash := plumbing.NewHash(commit)
	if err := c.commitExists(barePath, hash); err != nil {
		// Mirror may simply predate the commit; refetch once.
		if _, err := c.Ensure(ctx, slug); err != nil {
			return "", err
		}
		if err := c.commitExists(barePath, hash); err != nil {
			return "", domain.NewPermanentError(domain.ReasonCommitMissing, fmt.Errorf("op=gitrepo.Checkout: commit %s not in %s: %w", commit, slug, err))
		}
	}

	workdir := filepath.Join(c.baseDir, "worktrees", fmt.Sprintf("%s-%s-%s", slugKey(slug), shortSHA(commit), dispatcherID))
	_ = os.RemoveAll(workdir)
	repo, err := gogit.PlainCloneContext(ctx, workdir, false, &gogit.CloneOptions{
		URL:        barePath,
		NoCheckout: true,
	})
	if err != nil {
		_ = os.RemoveAll(workdir)
		return "", domain.NewTransientError(domain.ReasonCheckoutFailed, fmt.Errorf("op=gitrepo.Checkout: clone workdir: %w", err))
	}
	wt, err := repo.Worktree()
	if err != nil {
		_ = os.RemoveAll(workdir)
		return "", domain.NewTransientError(domain.ReasonCheckoutFailed, fmt.Errorf("op=gitrepo.Checkout: worktree: %w", err))
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		_ = os.RemoveAll(workdir)
		return "", domain.NewTransientError(domain.ReasonCheckoutFailed, fmt.Errorf("op=gitrepo.Checkout: checkout %s: %w", commit, err))
	}
	return workdir, nil
}

// Release removes a working copy handed out by Checkout.
func (c *Cache) Release(workdir string) error {
	if workdir == "" {
		return nil
	}
	// Refuse to delete anything outside the worktrees tree.
	root := filepath.Join(c.baseDir, "worktrees")
	abs, err := filepath.Abs(workdir)
	if err != nil || !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		return fmt.Errorf("op=gitrepo.Release: refusing path outside cache: %s", workdir)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("op=gitrepo.Release: %w", err)
	}
	return nil
}

func (c *Cache) commitExists(barePath string, hash plumbing.Hash) error {
	repo, err := gogit.PlainOpen(barePath)
	if err != nil {
		return err
	}
	_, err = repo.CommitObject(hash)
	return err
}

// touch bumps the mirror's LRU marker consumed by the GC pass.
func (c *Cache) touch(barePath string) {
	marker := barePath + ".last_used"
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0o600); err != nil {
		slog.Warn("repo cache: failed to update LRU marker", slog.String("path", marker), slog.Any("error", err))
	}
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
