package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*LocalStore, string, string) {
	t.Helper()
	base := t.TempDir()
	stagingDir := filepath.Join(base, "temp")
	mediaDir := filepath.Join(base, "uploads")
	s, err := NewLocalStore(stagingDir, mediaDir)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	return s, stagingDir, mediaDir
}

func stageFile(t *testing.T, s *LocalStore, name, content string) string {
	t.Helper()
	handle, err := s.Stage(strings.NewReader(content), name)
	if err != nil {
		t.Fatalf("stage %s: %v", name, err)
	}
	return handle
}

func TestStageAndFetchRoundTrip(t *testing.T) {
	s, stagingDir, _ := newTestStore(t)
	handle := stageFile(t, s, "a.jpg", "jpeg-bytes")

	if strings.ContainsAny(handle, `/\`) {
		t.Fatalf("handle must not contain separators: %q", handle)
	}
	if !strings.HasSuffix(handle, "-a.jpg") {
		t.Fatalf("handle should keep the sanitized original name, got %q", handle)
	}
	if _, err := os.Stat(filepath.Join(stagingDir, handle)); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}

	rc, err := s.OpenStaged(handle)
	if err != nil {
		t.Fatalf("open staged: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read staged: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("staged content = %q", data)
	}
}

func TestStageSanitizesOriginalName(t *testing.T) {
	s, stagingDir, _ := newTestStore(t)
	handle := stageFile(t, s, "../../etc/my photo.jpg", "x")
	if strings.Contains(handle, "..") || strings.Contains(handle, " ") {
		t.Fatalf("handle not sanitized: %q", handle)
	}
	if _, err := os.Stat(filepath.Join(stagingDir, handle)); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
}

func TestStageRejectsEmptyUpload(t *testing.T) {
	s, stagingDir, _ := newTestStore(t)
	if _, err := s.Stage(strings.NewReader(""), "empty.jpg"); !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("empty upload: got %v, want ErrEmptyUpload", err)
	}
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("zero-byte upload must not leave a staged file, found %d entries", len(entries))
	}
}

func TestTraversalHandlesFailClosed(t *testing.T) {
	s, _, _ := newTestStore(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	for _, handle := range []string{
		"../../etc/passwd",
		"..",
		".",
		"",
		"a/b.jpg",
		`a\b.jpg`,
		"../" + filepath.Base(outside),
	} {
		if _, err := s.OpenStaged(handle); !errors.Is(err, ErrNotFound) {
			t.Fatalf("OpenStaged(%q): got %v, want ErrNotFound", handle, err)
		}
		if _, err := s.OpenMedia(handle); !errors.Is(err, ErrNotFound) {
			t.Fatalf("OpenMedia(%q): got %v, want ErrNotFound", handle, err)
		}
		if _, err := s.Promote(handle); err == nil {
			t.Fatalf("Promote(%q) must fail", handle)
		}
		if err := s.Discard(handle); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Discard(%q): got %v, want ErrNotFound", handle, err)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside the roots must be untouched: %v", err)
	}
}

func TestPromoteMovesFileOutOfQuarantine(t *testing.T) {
	s, stagingDir, mediaDir := newTestStore(t)
	handle := stageFile(t, s, "a.jpg", "payload")

	ref, err := s.Promote(handle)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if ref != handle {
		t.Fatalf("ref = %q, want %q", ref, handle)
	}
	if _, err := os.Stat(filepath.Join(stagingDir, handle)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staged copy should be gone after promote, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(mediaDir, ref)); err != nil {
		t.Fatalf("promoted file missing: %v", err)
	}

	rc, err := s.OpenMedia(ref)
	if err != nil {
		t.Fatalf("open media: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "payload" {
		t.Fatalf("promoted content = %q", data)
	}
}

func TestPromoteTwiceFails(t *testing.T) {
	s, _, _ := newTestStore(t)
	handle := stageFile(t, s, "a.jpg", "payload")
	if _, err := s.Promote(handle); err != nil {
		t.Fatalf("first promote: %v", err)
	}
	if _, err := s.Promote(handle); err == nil {
		t.Fatalf("second promote of the same handle must fail")
	}
}

func TestDiscardIsBestEffort(t *testing.T) {
	s, _, mediaDir := newTestStore(t)
	handle := stageFile(t, s, "a.jpg", "payload")
	ref, err := s.Promote(handle)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := s.Discard(ref); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(filepath.Join(mediaDir, ref)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("discarded file still present, stat err = %v", err)
	}
	if err := s.Discard(ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second discard: got %v, want ErrNotFound", err)
	}
}

func TestSweepStagedRemovesOnlyStaleEntries(t *testing.T) {
	s, stagingDir, _ := newTestStore(t)
	stale := stageFile(t, s, "old.jpg", "old")
	fresh := stageFile(t, s, "new.jpg", "new")

	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(stagingDir, stale), past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := s.SweepStaged(time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(stagingDir, stale)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale file should be swept, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(stagingDir, fresh)); err != nil {
		t.Fatalf("fresh file should survive the sweep: %v", err)
	}
}

func TestSweepStagedToleratesMissingDir(t *testing.T) {
	s, _, _ := newTestStore(t)
	removed, err := s.SweepStaged(time.Hour)
	if err != nil || removed != 0 {
		t.Fatalf("sweep of missing dir: removed=%d err=%v", removed, err)
	}
}
