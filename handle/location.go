package handle

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"

	"github.com/ndlib/vellum/store"
)

// A Resolver turns a persisted token back into a Handle.
type Resolver interface {
	Resolve(token string, kind Kind) (Handle, error)
}

// Locations resolves location strings and tokens. It understands
//
//	/some/path, file:///some/path    a local directory or file
//	s3:/bucket/prefix                an S3 bucket, default endpoint
//	s3://host:port/bucket/prefix     an S3 bucket on another endpoint
//	mem:name                         an in-process memory store
type Locations struct {
	// Prompter is asked when a local location needs a grant. nil means Deny.
	Prompter Prompter

	// S3Client, if set, is used for every s3 location instead of a client
	// built from the location.
	S3Client s3iface.S3API
}

var _ Resolver = &Locations{}

// Resolve returns the handle for a token previously returned by Token().
// Nothing is checked against the underlying storage.
func (l *Locations) Resolve(token string, kind Kind) (Handle, error) {
	if token == "" {
		return nil, errors.New("empty location")
	}
	u, err := url.Parse(token)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing location %q", token)
	}
	switch u.Scheme {
	case "", "file":
		p, err := filepath.Abs(u.Path)
		if err != nil {
			return nil, err
		}
		return &localHandle{path: p, kind: kind, prompt: l.prompter()}, nil
	case "s3":
		if kind != Directory {
			return nil, errors.New("s3 locations must be directories")
		}
		bucket, prefix := splitBucketPrefix(u.Path)
		if bucket == "" {
			return nil, fmt.Errorf("no bucket name in location %q", token)
		}
		svc := l.S3Client
		if svc == nil {
			svc, err = newS3Client(u.Host)
			if err != nil {
				return nil, err
			}
		}
		return &s3Handle{svc: svc, host: u.Host, bucket: bucket, prefix: prefix}, nil
	case "mem":
		name := u.Opaque
		if name == "" {
			name = strings.TrimPrefix(u.Path, "/")
		}
		if name == "" {
			return nil, fmt.Errorf("no name in location %q", token)
		}
		return &memHandle{name: name, kind: kind}, nil
	}
	return nil, fmt.Errorf("unknown location scheme %q", u.Scheme)
}

func (l *Locations) prompter() Prompter {
	if l.Prompter == nil {
		return Deny
	}
	return l.Prompter
}

// splitBucketPrefix will take a path and separate the bucket name from a
// prefix, if any. The prefix returned is either empty or ends with a slash.
//
// examples:
//
//	"" -> ("", "")
//	"bucket" -> ("bucket", "")
//	"bucket/and/a/prefix" -> ("bucket", "and/a/prefix/")
func splitBucketPrefix(location string) (bucket, prefix string) {
	location = strings.TrimPrefix(location, "/")
	if location == "" {
		return
	}
	v := strings.SplitN(location, "/", 2)
	bucket = v[0]
	if len(v) > 1 {
		prefix = path.Clean(v[1])
		if prefix == "." {
			prefix = ""
		}
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return
}

func newS3Client(host string) (s3iface.S3API, error) {
	conf := &aws.Config{}
	if host != "" {
		conf.Endpoint = aws.String(host)
		conf.Region = aws.String("us-east-1")
		// disable SSL for local development
		if strings.Contains(host, "localhost") {
			conf.DisableSSL = aws.Bool(true)
			conf.S3ForcePathStyle = aws.Bool(true)
		}
	}
	sess, err := session.NewSession(conf)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// localHandle is a directory or file on a local filesystem.
type localHandle struct {
	path   string // absolute
	kind   Kind
	prompt Prompter
}

func (h *localHandle) Kind() Kind   { return h.kind }
func (h *localHandle) Name() string { return filepath.Base(h.path) }

func (h *localHandle) Token() string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(h.path)}
	return u.String()
}

func (h *localHandle) Store() (store.Store, error) {
	dir := h.path
	if h.kind == File {
		dir = filepath.Dir(h.path)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	s := store.NewFileSystem(dir)
	if h.kind == File {
		return &singleKey{Store: s, key: h.Name()}, nil
	}
	return s, nil
}

func (h *localHandle) QueryPermission(ctx context.Context) (bool, error) {
	target, mode := h.path, modeReadWrite
	if h.kind == File {
		if _, err := os.Stat(h.path); os.IsNotExist(err) {
			// the file will be created in its directory
			target, mode = filepath.Dir(h.path), modeCreate
		}
	}
	err := access(target, mode)
	if err == nil {
		return true, nil
	}
	if isDenied(err) || os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// RequestPermission prompts the user, who may fix the access rights, and
// then checks again.
func (h *localHandle) RequestPermission(ctx context.Context) (bool, error) {
	ok, err := h.QueryPermission(ctx)
	if ok || err != nil {
		return ok, err
	}
	granted, err := h.prompt.Prompt(ctx, h)
	if err != nil || !granted {
		return false, err
	}
	return h.QueryPermission(ctx)
}

// s3Handle is a bucket and prefix. Permission comes from the configured
// credentials, so there is nothing to prompt for.
type s3Handle struct {
	svc    s3iface.S3API
	host   string
	bucket string
	prefix string
}

func (h *s3Handle) Kind() Kind { return Directory }

func (h *s3Handle) Name() string {
	if h.prefix == "" {
		return h.bucket
	}
	return path.Base(h.prefix)
}

func (h *s3Handle) Token() string {
	u := url.URL{Scheme: "s3", Host: h.host, Path: "/" + h.bucket + "/" + h.prefix}
	if h.host == "" {
		// keep "s3:/bucket" rather than "s3:///bucket"
		return "s3:" + u.EscapedPath()
	}
	return u.String()
}

func (h *s3Handle) Store() (store.Store, error) {
	return store.NewS3WithClient(h.svc, h.bucket, h.prefix), nil
}

func (h *s3Handle) QueryPermission(ctx context.Context) (bool, error) {
	_, err := h.svc.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(h.bucket),
	})
	if err == nil {
		return true, nil
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		switch reqErr.StatusCode() {
		case 401, 403, 404:
			return false, nil
		}
	}
	return false, err
}

func (h *s3Handle) RequestPermission(ctx context.Context) (bool, error) {
	return h.QueryPermission(ctx)
}

var memStores = struct {
	sync.Mutex
	m map[string]*store.Memory
}{m: make(map[string]*store.Memory)}

// MemoryStore returns the in-process store behind the location "mem:name",
// creating it if needed.
func MemoryStore(name string) *store.Memory {
	memStores.Lock()
	defer memStores.Unlock()
	s := memStores.m[name]
	if s == nil {
		s = store.NewMemory()
		memStores.m[name] = s
	}
	return s
}

// memHandle is an in-process memory store, always accessible.
type memHandle struct {
	name string
	kind Kind
}

func (h *memHandle) Kind() Kind    { return h.kind }
func (h *memHandle) Name() string  { return h.name }
func (h *memHandle) Token() string { return "mem:" + h.name }

func (h *memHandle) Store() (store.Store, error) {
	s := MemoryStore(h.name)
	if h.kind == File {
		return &singleKey{Store: s, key: h.name}, nil
	}
	return s, nil
}

func (h *memHandle) QueryPermission(ctx context.Context) (bool, error)   { return true, nil }
func (h *memHandle) RequestPermission(ctx context.Context) (bool, error) { return true, nil }

// singleKey limits a store to one key, for handles naming a single file.
type singleKey struct {
	store.Store
	key string
}

func (s *singleKey) check(key string) error {
	if key != s.key {
		return errors.Wrapf(store.ErrNotExist, "%s is outside of %s", key, s.key)
	}
	return nil
}

func (s *singleKey) List() <-chan string {
	out := make(chan string, 1)
	if keys, _ := s.ListPrefix(""); len(keys) > 0 {
		out <- s.key
	}
	close(out)
	return out
}

func (s *singleKey) ListPrefix(prefix string) ([]string, error) {
	if !strings.HasPrefix(s.key, prefix) {
		return nil, nil
	}
	keys, err := s.Store.ListPrefix(s.key)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k == s.key {
			return []string{s.key}, nil
		}
	}
	return nil, nil
}

func (s *singleKey) Open(key string) (store.ReadAtCloser, int64, error) {
	if err := s.check(key); err != nil {
		return nil, 0, err
	}
	return s.Store.Open(key)
}

func (s *singleKey) Create(key string) (io.WriteCloser, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	return s.Store.Create(key)
}

func (s *singleKey) Overwrite(key string) (io.WriteCloser, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	return store.Overwrite(s.Store, key)
}

func (s *singleKey) Delete(key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	return s.Store.Delete(key)
}
