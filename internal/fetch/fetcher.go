package fetch

import (
	"context"
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
)

// DefaultMaxAttempts bounds the retry sequence when Spec.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// Spec describes one artifact to ensure locally.
type Spec struct {
	Name        string
	URL         string
	Path        string
	Checksum    string
	MaxAttempts int
}

// Outcome reports a successful fetch. Cached means the destination already
// held a verified copy and no network call was made.
type Outcome struct {
	Path     string
	Attempts int
	Cached   bool
}

// Fetcher downloads artifacts with checksum verification and bounded
// retries. Fetches for the same destination path are serialized; distinct
// paths proceed concurrently.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
	locks  pathLocks
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func New(logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 0},
		logger: logger,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("artifact name is required")
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("artifact %s: url is required", s.Name)
	}
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("artifact %s: destination path is required", s.Name)
	}
	if _, _, err := digestAlgorithm(s.Checksum); err != nil {
		return fmt.Errorf("artifact %s: %w", s.Name, err)
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("artifact %s: max attempts must be >= 0", s.Name)
	}
	return nil
}

// Fetch ensures a verified local copy of the artifact. A pre-existing file
// with a matching checksum succeeds with zero network calls; a mismatching
// file is removed and re-downloaded as though it never existed. Each attempt
// re-downloads fully; there is no resume and no cross-call attempt memory.
func (f *Fetcher) Fetch(ctx context.Context, spec Spec) (Outcome, error) {
	if err := spec.validate(); err != nil {
		return Outcome{}, err
	}

	unlock := f.locks.lock(spec.Path)
	defer unlock()

	if _, err := os.Stat(spec.Path); err == nil {
		verr := verifyFile(spec.Path, spec.Checksum)
		if verr == nil {
			f.logger.Info("artifact already present and verified",
				"artifact", spec.Name,
				"path", spec.Path,
			)
			return Outcome{Path: spec.Path, Cached: true}, nil
		}
		var ierr *IntegrityError
		if !errors.As(verr, &ierr) {
			return Outcome{}, verr
		}
		f.logger.Warn("existing artifact failed verification, re-downloading",
			"artifact", spec.Name,
			"path", spec.Path,
			"expected", ierr.Want,
			"got", ierr.Got,
		)
		if err := os.Remove(spec.Path); err != nil {
			return Outcome{}, fmt.Errorf("remove corrupt artifact %s: %w", spec.Path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(spec.Path), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create artifact dir for %s: %w", spec.Path, err)
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	started := time.Now()
	var lastErr error
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		f.logger.Info("downloading artifact",
			"artifact", spec.Name,
			"url", spec.URL,
			"attempt", attempts,
			"max_attempts", maxAttempts,
		)
		err := f.downloadAndVerify(ctx, spec)
		if err == nil {
			f.logger.Info("artifact downloaded and verified",
				"artifact", spec.Name,
				"path", spec.Path,
				"attempts_used", attempts,
				"elapsed", time.Since(started).Truncate(time.Millisecond).String(),
			)
			return Outcome{Path: spec.Path, Attempts: attempts}, nil
		}
		lastErr = err
		f.logger.Warn("artifact download attempt failed",
			"artifact", spec.Name,
			"attempt", attempts,
			"error", err,
		)
		if ctx.Err() != nil {
			return Outcome{Attempts: attempts}, fmt.Errorf("fetch %s canceled after %d attempts: %w", spec.Name, attempts, ctx.Err())
		}
	}

	return Outcome{Attempts: attempts}, fmt.Errorf("fetch %s (%s): %w after %d attempts: %v",
		spec.Name, spec.URL, ErrAttemptsExhausted, attempts, lastErr)
}

// downloadAndVerify streams the URL to a .partial sibling, verifies it, and
// renames into place. The destination path never holds a torn write.
func (f *Fetcher) downloadAndVerify(ctx context.Context, spec Spec) error {
	partial := spec.Path + ".partial"
	defer os.Remove(partial)

	if err := f.download(ctx, spec.URL, partial); err != nil {
		return err
	}
	if err := verifyFile(partial, spec.Checksum); err != nil {
		return err
	}
	if err := os.Rename(partial, spec.Path); err != nil {
		return fmt.Errorf("finalize artifact %s: %w", spec.Path, err)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{URL: url, Status: resp.StatusCode}
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return &TransportError{URL: url, Err: err}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("flush %s: %w", dest, err)
	}
	return nil
}

// pathLocks serializes fetches per destination path (single-writer).
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *pathLocks) lock(path string) func() {
	key := filepath.Clean(path)
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
