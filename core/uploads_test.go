package core

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadStoreSave(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewUploadStore(fs)

	stored, err := store.Save("holiday photo.JPG", strings.NewReader("jpeg bytes"))
	require.NoError(t, err)

	assert.Equal(t, "holiday photo.JPG", stored.OriginalName)
	assert.Regexp(t, `^[0-9a-f-]{36}\.JPG$`, stored.Filename)
	assert.Equal(t, int64(len("jpeg bytes")), stored.Size)
	assert.Equal(t, "/uploads/"+stored.Filename, stored.DownloadURL())

	content, err := afero.ReadFile(fs, "/"+stored.Filename)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(content))
}

func TestUploadStoreNames(t *testing.T) {
	store := NewUploadStore(afero.NewMemMapFs())

	tcs := []struct {
		original string
		ext      string
	}{
		{original: "archive.tar.gz", ext: ".gz"},
		{original: "README", ext: ""},
		{original: "../../etc/passwd.txt", ext: ".txt"},
	}

	seen := make(map[string]bool)
	for _, tc := range tcs {
		stored, err := store.Save(tc.original, strings.NewReader("x"))
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(stored.Filename, tc.ext))
		assert.NotContains(t, stored.Filename, "/")
		assert.False(t, seen[stored.Filename], "names must be unique")
		seen[stored.Filename] = true
	}
}

func TestUploadStoreRemove(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewUploadStore(fs)
	stored, err := store.Save("a.txt", strings.NewReader("a"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(stored.Filename))
	require.NoError(t, store.Remove(stored.Filename))

	ok, err := afero.Exists(fs, "/"+stored.Filename)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUploadStoreFileSystem(t *testing.T) {
	store := NewUploadStore(afero.NewMemMapFs())
	stored, err := store.Save("a.txt", strings.NewReader("served"))
	require.NoError(t, err)

	f, err := store.FileSystem().Open("/" + stored.Filename)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "served", string(b))

	_, err = store.FileSystem().Open("/missing.txt")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = store.FileSystem().Open("/")
	assert.ErrorIs(t, err, os.ErrNotExist, "the store must not be listed")
}

type removeFailingFs struct {
	afero.Fs
}

func (removeFailingFs) Remove(string) error {
	return errors.New("device busy")
}

func TestUploadStoreSaveLogsFailedCleanup(t *testing.T) {
	var buf bytes.Buffer
	store := NewUploadStore(removeFailingFs{afero.NewMemMapFs()},
		WithUploadLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	_, err := store.Save("a.txt", iotest.ErrReader(errors.New("connection reset")))

	assert.ErrorContains(t, err, "connection reset")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "remove partial upload")
	assert.Contains(t, buf.String(), "device busy")
}
