package core

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// UploadsRoute is the URL prefix under which stored uploads are served.
const UploadsRoute = "/uploads"

// StoredFile describes an upload written to the artifact store.
type StoredFile struct {
	OriginalName string
	Filename     string
	Size         int64
}

// DownloadURL is the path the stored file is served from.
func (f StoredFile) DownloadURL() string {
	return path.Join(UploadsRoute, f.Filename)
}

// UploadStore keeps uploaded files in a flat directory under generated names.
type UploadStore struct {
	fs     afero.Fs
	logger *slog.Logger
}

type UploadStoreOption func(*UploadStore)

func WithUploadLogger(l *slog.Logger) UploadStoreOption {
	return func(s *UploadStore) {
		s.logger = l
	}
}

// NewUploadStore returns a store rooted at fs.
func NewUploadStore(fs afero.Fs, opts ...UploadStoreOption) *UploadStore {
	s := &UploadStore{
		fs:     fs,
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDiskUploadStore returns a store rooted at dir, creating dir when missing.
func NewDiskUploadStore(dir string, opts ...UploadStoreOption) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return NewUploadStore(afero.NewBasePathFs(afero.NewOsFs(), dir), opts...), nil
}

func (s *UploadStore) Fs() afero.Fs {
	return s.fs
}

// Save writes r under a fresh uuid name that keeps the extension of originalName.
func (s *UploadStore) Save(originalName string, r io.Reader) (StoredFile, error) {
	name := uuid.NewString() + filepath.Ext(filepath.Base(originalName))

	f, err := s.fs.OpenFile("/"+name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return StoredFile{}, fmt.Errorf("create %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := s.fs.Remove("/" + name); rmErr != nil {
			s.logger.Warn(fmt.Sprintf("remove partial upload %s: %v", name, rmErr))
		}
		return StoredFile{}, fmt.Errorf("write %s: %w", name, err)
	}

	return StoredFile{
		OriginalName: originalName,
		Filename:     name,
		Size:         n,
	}, nil
}

// Remove deletes a stored file. Removing a missing file is not an error.
func (s *UploadStore) Remove(filename string) error {
	err := s.fs.Remove("/" + filepath.Base(filename))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", filename, err)
	}
	return nil
}

// FileSystem exposes the store for static serving.
// Directories are reported as missing so the store is never listed.
func (s *UploadStore) FileSystem() http.FileSystem {
	return filesOnly{afero.NewHttpFs(s.fs).Dir("/")}
}

type filesOnly struct {
	http.FileSystem
}

func (fs filesOnly) Open(name string) (http.File, error) {
	f, err := fs.FileSystem.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
