// Package modelstore persists one urgency artifact per user on the local
// filesystem. Writes go to a temporary file in the user's directory and are
// renamed into place, so readers only ever observe a complete artifact.
package modelstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nhle/inbox-triage/internal/urgency"
)

// artifactFile is the file name of a user's artifact inside their directory.
const artifactFile = "urgency_model.json"

// maxSegment bounds the escaped directory name length.
const maxSegment = 240

// StoreError reports a persistence failure for one user's artifact,
// including artifacts that exist but cannot be decoded.
type StoreError struct {
	Op     string
	UserID string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("model store %s for %q: %v", e.Op, e.UserID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err (or any error in its chain) is a StoreError.
func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}

// FileStore keeps artifacts under <dir>/<escaped user id>/.
type FileStore struct {
	dir string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating model directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns where userID's artifact lives.
func (s *FileStore) Path(userID string) (string, error) {
	segment, err := EscapeUserID(userID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, segment, artifactFile), nil
}

// Save replaces userID's artifact.
func (s *FileStore) Save(userID string, a *urgency.Artifact) error {
	if a == nil {
		return &StoreError{Op: "save", UserID: userID, Err: errors.New("nil artifact")}
	}

	path, err := s.Path(userID)
	if err != nil {
		return &StoreError{Op: "save", UserID: userID, Err: err}
	}

	data, err := json.Marshal(a)
	if err != nil {
		return &StoreError{Op: "encode", UserID: userID, Err: err}
	}

	if err := writeAtomic(path, data); err != nil {
		return &StoreError{Op: "save", UserID: userID, Err: err}
	}
	return nil
}

// Load returns userID's artifact. found is false, with a nil error, when
// the user has never been trained.
func (s *FileStore) Load(userID string) (a *urgency.Artifact, found bool, err error) {
	path, err := s.Path(userID)
	if err != nil {
		return nil, false, &StoreError{Op: "load", UserID: userID, Err: err}
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StoreError{Op: "load", UserID: userID, Err: err}
	}

	var artifact urgency.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, false, &StoreError{Op: "decode", UserID: userID, Err: err}
	}
	return &artifact, true, nil
}

// Delete removes userID's artifact. Deleting a missing artifact is not an
// error.
func (s *FileStore) Delete(userID string) error {
	path, err := s.Path(userID)
	if err != nil {
		return &StoreError{Op: "delete", UserID: userID, Err: err}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StoreError{Op: "delete", UserID: userID, Err: err}
	}
	return nil
}

// Users lists the user ids that currently have an artifact, sorted.
func (s *FileStore) Users() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing model directory %s: %w", s.dir, err)
	}

	var users []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		userID, err := UnescapeUserID(e.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), artifactFile)); err != nil {
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

// writeAtomic writes data to a temp file beside path, syncs it, and renames
// it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".urgency-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	committed = true

	// Persist the rename itself; not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// EscapeUserID maps a user id to a single path segment. Lower-case ASCII
// letters, digits and '-' are kept; every other byte, upper-case letters
// included, becomes '_' followed by two hex digits. The mapping is
// reversible, and distinct ids stay distinct on case-insensitive
// filesystems.
func EscapeUserID(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("empty user id")
	}

	var b strings.Builder
	for i := 0; i < len(userID); i++ {
		c := userID[i]
		switch {
		case isPlain(c):
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}

	if b.Len() > maxSegment {
		return "", fmt.Errorf("user id too long (%d bytes escaped)", b.Len())
	}
	return b.String(), nil
}

// UnescapeUserID reverses EscapeUserID.
func UnescapeUserID(segment string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		if c != '_' {
			if !isPlain(c) {
				return "", fmt.Errorf("unescaped byte %q in %q", c, segment)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(segment) {
			return "", fmt.Errorf("truncated escape in %q", segment)
		}
		v, err := strconv.ParseUint(segment[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape in %q: %w", segment, err)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	if b.Len() == 0 {
		return "", errors.New("empty segment")
	}
	return b.String(), nil
}

// isPlain reports whether c is written to a path segment as is.
func isPlain(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-'
}
