// Package storage moves untrusted uploads through a quarantine directory
// into permanent, record-referenced storage.
package storage

import (
	"errors"
	"io"
)

var (
	// ErrNotFound indicates the handle does not resolve to a stored file.
	// Path-traversal handles fail with this error as well.
	ErrNotFound = errors.New("file not found")
	// ErrEmptyUpload indicates a zero-byte upload, which is never staged.
	ErrEmptyUpload = errors.New("empty upload")
)

// MediaStore holds staged blobs in quarantine until they are promoted into
// permanent storage or abandoned. A blob moves Staged -> Promoted ->
// Discarded; there is no way back from Promoted to Staged.
type MediaStore interface {
	// Stage writes the stream under a generated quarantine name and returns
	// the handle used to fetch or promote it.
	Stage(r io.Reader, originalName string) (string, error)
	// OpenStaged opens a quarantined blob by handle.
	OpenStaged(handle string) (io.ReadCloser, error)
	// Promote atomically moves a staged blob into permanent storage and
	// returns its permanent reference. Failures are per-file.
	Promote(handle string) (string, error)
	// OpenMedia opens a promoted blob by its permanent reference.
	OpenMedia(ref string) (io.ReadCloser, error)
	// Discard removes a promoted blob. Callers treat failures as
	// best-effort and only log them.
	Discard(ref string) error
}
