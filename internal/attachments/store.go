// Package attachments reads files uploaded through form file fields so they
// can be copied into the CRM.
package attachments

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/formbridge/pkg/schema"
)

const defaultMaxFileSize = 20 * 1024 * 1024 // 20MB

// File is one uploaded attachment, fully read.
type File struct {
	Ref      string `json:"ref"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Content  []byte `json:"-"`
}

// Store resolves the reference a file field submits into file contents.
type Store interface {
	Open(ctx context.Context, ref string) (*File, error)
	Delete(ctx context.Context, ref string) error
}

// DirStore serves attachments from files under one upload directory.
// References are paths relative to that directory.
type DirStore struct {
	root    string
	maxSize int64
}

// NewDirStore creates a DirStore rooted at dir. maxSize <= 0 uses 20MB.
func NewDirStore(dir string, maxSize int64) (*DirStore, error) {
	root, err := resolveCleanPath(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAttachment, "invalid upload dir %q: %v", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeAttachment, "upload dir %q is not a directory", dir)
	}
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	return &DirStore{root: root, maxSize: maxSize}, nil
}

// Open reads the attachment behind ref.
func (s *DirStore) Open(_ context.Context, ref string) (*File, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "attachment %q not found", ref).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeAttachment, "open attachment %q: %v", ref, err).WithCause(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAttachment, "stat attachment %q: %v", ref, err).WithCause(err)
	}
	if info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeAttachment, "attachment %q is a directory", ref)
	}
	if info.Size() > s.maxSize {
		return nil, schema.NewErrorf(schema.ErrCodeAttachment,
			"attachment %q is %d bytes; limit is %d", ref, info.Size(), s.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, s.maxSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAttachment, "read attachment %q: %v", ref, err).WithCause(err)
	}

	return &File{
		Ref:      ref,
		Name:     filepath.Base(path),
		MimeType: detectMimeType(path, data),
		Size:     int64(len(data)),
		Content:  data,
	}, nil
}

// Delete removes the attachment behind ref. Missing files are not an error.
func (s *DirStore) Delete(_ context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return schema.NewErrorf(schema.ErrCodeAttachment, "delete attachment %q: %v", ref, err).WithCause(err)
	}
	return nil
}

// path maps ref onto a file under the root, refusing anything that escapes it.
func (s *DirStore) path(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", schema.NewError(schema.ErrCodeAttachment, "empty attachment reference")
	}
	if filepath.IsAbs(ref) {
		return "", schema.NewErrorf(schema.ErrCodeAttachment, "attachment reference %q must be relative", ref)
	}
	clean, err := resolveCleanPath(filepath.Join(s.root, ref))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAttachment, "invalid attachment reference %q: %v", ref, err)
	}
	if !isUnderPath(clean, s.root) || clean == s.root {
		return "", schema.NewErrorf(schema.ErrCodeAttachment, "attachment reference %q escapes the upload dir", ref)
	}
	return clean, nil
}

func detectMimeType(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

var _ Store = (*DirStore)(nil)
