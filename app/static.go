package murmur

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
)

const (
	IndexPage = "index.html"
	RoomPage  = "room.html"
)

// StaticFS is a wrapper around http.FileSystem that adds etag support, cache control support and fallback file.
// Unknown paths are answered with the fallback page.
type StaticFS struct {
	http.FileSystem
	etags map[string]string
	// a map of globs to cache control headers
	cacheControl map[string]string
	fallbackFile string
}

// Open returns the file if found. Otherwise, it returns the fallback file.
func (s StaticFS) Open(name string) (http.File, error) {
	f, err := s.FileSystem.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.FileSystem.Open("/" + s.fallbackFile)
		}
		return nil, err
	}
	return f, nil
}

// NewStaticFS returns a new StaticFS. The fallback and every page in pages must exist in fsys.
func NewStaticFS(fsys fs.FS, fallback string, cacheControl map[string]string, pages ...string) (*StaticFS, error) {
	for _, name := range append([]string{fallback}, pages...) {
		f, err := fsys.Open(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("page %s does not exist", name)
			}
			return nil, fmt.Errorf("opening page %s: %w", name, err)
		}
		f.Close()
	}

	etags, err := calculateEtags(fsys)
	if err != nil {
		return nil, fmt.Errorf("calculating etags: %w", err)
	}
	cc, err := expandCacheControl(fsys, cacheControl)
	if err != nil {
		return nil, fmt.Errorf("expanding cache control paths: %w", err)
	}

	return &StaticFS{FileSystem: http.FS(fsys), etags: etags, cacheControl: cc, fallbackFile: fallback}, nil
}

func calculateEtags(fsys fs.FS) (map[string]string, error) {
	etags := make(map[string]string)
	hasher := sha1.New()
	return etags, fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := fsys.Open(p)
		if err != nil {
			return fmt.Errorf("opening %s: %w", p, err)
		}
		defer f.Close()
		defer hasher.Reset()
		if _, err := io.Copy(hasher, f); err != nil {
			return fmt.Errorf("hashing %s: %w", p, err)
		}
		etags[p] = fmt.Sprintf(`"%x"`, hasher.Sum(nil))
		return nil
	})
}

func expandCacheControl(fsys fs.FS, cacheControl map[string]string) (map[string]string, error) {
	expanded := make(map[string]string)

	return expanded, fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for glob, cc := range cacheControl {
			if matched, err := filepath.Match(glob, p); err == nil && matched {
				expanded[p] = cc
				return nil
			} else if err != nil {
				return fmt.Errorf("matching %s: %w", p, err)
			}
		}
		return nil
	})

}

// writeCacheHeaders sets the ETag and Cache-Control headers of name and reports
// whether the client already holds the current version.
func (s StaticFS) writeCacheHeaders(w http.ResponseWriter, r *http.Request, name string) bool {
	etag, ok := s.etags[name]
	if !ok {
		return false
	}
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	w.Header().Set("Etag", etag)
	if cc, ok := s.cacheControl[name]; ok {
		w.Header().Set("Cache-Control", cc)
	}
	return false
}

func (s StaticFS) EtagMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := strings.TrimPrefix(r.URL.Path, "/")
			// check if the match exists if not set to fallback
			if _, ok := s.etags[path]; !ok {
				path = s.fallbackFile
			}
			if s.writeCacheHeaders(w, r, path) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServeFile writes the named page, honouring its etag.
func (s StaticFS) ServeFile(w http.ResponseWriter, r *http.Request, name string) error {
	if s.writeCacheHeaders(w, r, name) {
		return nil
	}
	f, err := s.FileSystem.Open("/" + name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
	return nil
}
