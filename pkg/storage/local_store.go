package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// LocalStore implements MediaStore on the local filesystem. Quarantine and
// permanent storage must live on the same filesystem so that promotion is a
// single atomic rename; a half-written file is never visible at its
// permanent path.
type LocalStore struct {
	stagingDir string
	mediaDir   string
	logger     *slog.Logger
}

// NewLocalStore validates the directory configuration. Directories are
// created lazily on first use, not here.
func NewLocalStore(stagingDir, mediaDir string) (*LocalStore, error) {
	if strings.TrimSpace(stagingDir) == "" {
		return nil, errors.New("storage: staging dir is required")
	}
	if strings.TrimSpace(mediaDir) == "" {
		return nil, errors.New("storage: media dir is required")
	}
	return &LocalStore{
		stagingDir: stagingDir,
		mediaDir:   mediaDir,
		logger:     slog.Default().With(slog.String("component", "media_store")),
	}, nil
}

// Stage writes the stream into quarantine under a generated name composed
// of a millisecond timestamp and the sanitized original basename. Zero-byte
// input is removed again and reported as ErrEmptyUpload.
func (s *LocalStore) Stage(r io.Reader, originalName string) (string, error) {
	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	handle := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), sanitizeName(originalName))
	path := filepath.Join(s.stagingDir, handle)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	n, err := io.Copy(out, r)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write staged file: %w", err)
	}
	if n == 0 {
		_ = os.Remove(path)
		return "", ErrEmptyUpload
	}
	return handle, nil
}

// OpenStaged opens a quarantined blob. Handles that are not a plain
// basename fail closed with ErrNotFound.
func (s *LocalStore) OpenStaged(handle string) (io.ReadCloser, error) {
	name, ok := safeName(handle)
	if !ok {
		return nil, ErrNotFound
	}
	return openFile(filepath.Join(s.stagingDir, name))
}

// Promote moves a staged blob into permanent storage with a single rename.
// A handle that was already promoted, swept, or never staged fails here and
// only here; the caller decides what a per-file failure means for the batch.
func (s *LocalStore) Promote(handle string) (string, error) {
	name, ok := safeName(handle)
	if !ok {
		return "", ErrNotFound
	}
	if err := os.MkdirAll(s.mediaDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	if err := os.Rename(filepath.Join(s.stagingDir, name), filepath.Join(s.mediaDir, name)); err != nil {
		return "", fmt.Errorf("promote %s: %w", name, err)
	}
	return name, nil
}

// OpenMedia opens a promoted blob by its permanent reference.
func (s *LocalStore) OpenMedia(ref string) (io.ReadCloser, error) {
	name, ok := safeName(ref)
	if !ok {
		return nil, ErrNotFound
	}
	return openFile(filepath.Join(s.mediaDir, name))
}

// Discard deletes a promoted blob. The owning record is always updated
// before Discard runs, so a failure leaves an orphaned file, never a
// dangling reference.
func (s *LocalStore) Discard(ref string) error {
	name, ok := safeName(ref)
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(filepath.Join(s.mediaDir, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("discard %s: %w", name, err)
	}
	return nil
}

// SweepStaged removes quarantined files older than maxAge and returns how
// many were removed. Abandoned uploads are the only thing that ages in
// quarantine; a swept handle simply fails promotion later.
func (s *LocalStore) SweepStaged(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.stagingDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.stagingDir, entry.Name())); err != nil {
			s.logger.Warn("sweep: remove staged file", "name", entry.Name(), "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// safeName accepts only handles that are already a plain basename. Anything
// containing separators or dot-dot segments is rejected outright.
func safeName(name string) (string, bool) {
	if name == "" || name == "." || name == ".." {
		return "", false
	}
	if strings.ContainsAny(name, `/\`) {
		return "", false
	}
	if name != filepath.Base(name) {
		return "", false
	}
	return name, true
}

// sanitizeName reduces an untrusted original filename to a safe fragment:
// basename only, whitespace and separators replaced.
func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}
