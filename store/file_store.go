package store

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// FileSystem implements the simple file system based store over a directory
// the user has granted access to. Keys are relative paths below the root.
// New content is first written into a scratch directory and then renamed
// into place when the writer is closed, so a reader never sees a partially
// written document.
type FileSystem struct {
	root string
}

const (
	// the subdir to store files while they are being written to.
	scratchdir = ".vellum-scratch"
)

var (
	// make sure it implements the Store interface
	_ Store      = &FileSystem{}
	_ Overwriter = &FileSystem{}

	// ErrKeyInvalidPath means the key is absolute or escapes the root
	ErrKeyInvalidPath = errors.New("Key is not a relative path below the root")

	// ErrKeyContainsNonUnicode means the key provided contains a Non Unicode Rune
	ErrKeyContainsNonUnicode = errors.New("Key contains Non-Unicode character")

	// ErrKeyContainsControlChar  means the key provided contains Control Characters
	ErrKeyContainsControlChar = errors.New("Key contains Control Characters")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root}
}

// Root returns the directory this store is based at.
func (s *FileSystem) Root() string {
	return s.root
}

// List returns a channel listing all the keys in this store.
func (s *FileSystem) List() <-chan string {
	c := make(chan string)
	go func() {
		defer close(c)
		walkTree(s.root, "", func(key string) { c <- key })
	}()
	return c
}

// walkTree performs a depth first walk of the tree at dir, calling emit for
// every regular file. rel is the key prefix of dir. The scratch directory is
// skipped.
func walkTree(dir, rel string, emit func(string)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			// we have no other way of passing this error back
			log.WithFields(log.Fields{"dir": dir, "err": err}).Warn("store: walk tree")
		}
		return
	}
	for _, e := range entries {
		key := path.Join(rel, e.Name())
		if e.IsDir() {
			if rel == "" && e.Name() == scratchdir {
				continue
			}
			walkTree(filepath.Join(dir, e.Name()), key, emit)
			continue
		}
		if e.Type().IsRegular() {
			emit(key)
		}
	}
}

// ListPrefix returns a list of all the keys beginning with the given prefix.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	var result []string
	// only walk the directory the prefix points into
	dir, rel := s.root, ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		rel = prefix[:i]
		if err := isKeyValid(rel); err != nil {
			return nil, err
		}
		dir = filepath.Join(s.root, filepath.FromSlash(rel))
	}
	walkTree(dir, rel, func(key string) {
		if strings.HasPrefix(key, prefix) {
			result = append(result, key)
		}
	})
	return result, nil
}

// Open returns a reader for the given object along with its size.
func (s *FileSystem) Open(key string) (ReadAtCloser, int64, error) {
	if err := isKeyValid(key); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, 0, errors.Wrap(ErrNotExist, key+" is a directory")
	}
	return f, fi.Size(), nil
}

// Create creates a new item with the given key, and a writer to allow for
// saving data into the new item.
func (s *FileSystem) Create(key string) (io.WriteCloser, error) {
	if err := isKeyValid(key); err != nil {
		return nil, err
	}
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		return nil, err
	}
	_, err := os.Stat(target)
	if !os.IsNotExist(err) {
		return nil, ErrKeyExists
	}
	return s.scratch(target, false)
}

// Overwrite returns a writer for key which renames its content over any
// existing file when closed.
func (s *FileSystem) Overwrite(key string) (io.WriteCloser, error) {
	if err := isKeyValid(key); err != nil {
		return nil, err
	}
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		return nil, err
	}
	return s.scratch(target, true)
}

// scratch sets up the scratch location we will temporarily save the file to
func (s *FileSystem) scratch(target string, replace bool) (io.WriteCloser, error) {
	dir := filepath.Join(s.root, scratchdir)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	w, err := os.CreateTemp(dir, "w-*")
	if err != nil {
		return nil, err
	}
	return &moveCloser{WriteCloser: w, source: w.Name(), target: target, replace: replace}, nil
}

func (s *FileSystem) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// track the file so when it is closed, we can move it into the correct place
type moveCloser struct {
	io.WriteCloser
	source  string
	target  string
	replace bool // rename over an existing target
}

func (w *moveCloser) Close() error {
	err := w.WriteCloser.Close()
	if err != nil {
		os.Remove(w.source)
		return err
	}
	if !w.replace {
		_, err = os.Stat(w.target)
		if !os.IsNotExist(err) {
			os.Remove(w.source)
			return ErrKeyExists
		}
	}
	if err := os.Rename(w.source, w.target); err != nil {
		os.Remove(w.source)
		return err
	}
	return nil
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist.
func (s *FileSystem) Delete(key string) error {
	if err := isKeyValid(key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	// don't report a missing file as an error
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Some Simple Item Key Validations
func isKeyValid(key string) error {
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return ErrKeyInvalidPath
	}
	if key == ".." || strings.HasPrefix(key, "../") || key == scratchdir || strings.HasPrefix(key, scratchdir+"/") {
		return ErrKeyInvalidPath
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return ErrKeyContainsControlChar
		}
	}
	return nil
}
