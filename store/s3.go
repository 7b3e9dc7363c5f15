package store

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// A S3 store represents a store that is kept on AWS S3 storage. Documents are
// small, so each object is fetched and uploaded whole.
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc    s3iface.S3API
	Bucket string
	Prefix string
	sizes  *sizecache // keep HEAD info
}

var _ Store = &S3{}

// NewS3 creates a new S3 store. It will use the given bucket and will prepend
// prefix to all keys. For example if prefix were "notes/" then an
// Open("hello") would look for the key "notes/hello" in the bucket.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return NewS3WithClient(s3.New(awsSession), bucket, prefix)
}

// NewS3WithClient is like NewS3 but takes an already configured client.
func NewS3WithClient(svc s3iface.S3API, bucket, prefix string) *S3 {
	return &S3{
		svc:    svc,
		Bucket: bucket,
		Prefix: prefix,
		sizes:  newSizeCache(clock.New()),
	}
}

// List returns a list of all the keys in this store. It will only return ones
// that satisfy the store's Prefix, so it is safe to use this on a bucket
// containing other items.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		keys, err := s.ListPrefix("")
		if err != nil {
			return
		}
		for _, k := range keys {
			out <- k
		}
	}()
	return out
}

// ListPrefix returns the keys in this store that have the given prefix.
// The argument prefix is added to the store's Prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	err := s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				result = append(result, strings.TrimPrefix(*item.Key, s.Prefix))
			}
			return !lastpage
		})
	if err != nil {
		s.report("ListPrefix", prefix, err)
	}
	return result, err
}

// Open fetches the object for the given key.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	if _, err := s.stat(key); err != nil {
		return nil, 0, err
	}
	output, err := s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		err = translate(err)
		if IsNotExist(err) {
			s.sizes.Set(key, sizeDeleted)
		}
		return nil, 0, err
	}
	defer output.Body.Close()
	data := &bytes.Buffer{}
	if _, err := io.Copy(data, output.Body); err != nil {
		return nil, 0, err
	}
	return reader2{strings.NewReader(data.String())}, int64(data.Len()), nil
}

// Create will return a WriteCloser which buffers the content and uploads it
// with a single PUT when closed.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	_, err := s.stat(key)
	if err == nil {
		return nil, ErrKeyExists
	}
	if !IsNotExist(err) {
		return nil, err
	}
	return &s3WriteCloser{parent: s, key: key}, nil
}

// Overwrite returns a writer like Create, without checking whether key is
// already present. A PUT replaces the object in one step.
func (s *S3) Overwrite(key string) (io.WriteCloser, error) {
	return &s3WriteCloser{parent: s, key: key}, nil
}

// Delete will remove the given key from the store. The store's Prefix is
// prepended first. It is not an error to delete something that doesn't exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		s.report("Delete", key, err)
		return err
	}
	s.sizes.Set(key, sizeDeleted)
	return nil
}

// stat will check if a key exists, and if so it returns the size.
func (s *S3) stat(key string) (int64, error) {
	return s.sizes.Get(key, s.stat0)
}

// stat0 implements the actual HEAD request to s3. You probably want to call
// stat().
func (s *S3) stat0(key string) (int64, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		return 0, translate(err)
	}
	return aws.Int64Value(info.ContentLength), nil
}

func (s *S3) report(op, key string, err error) {
	log.WithFields(log.Fields{
		"bucket": s.Bucket,
		"prefix": s.Prefix,
		"key":    key,
		"err":    err,
	}).Warn("S3 " + op)
	raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key})
}

// translate maps a missing object into ErrNotExist.
func translate(err error) error {
	if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusNotFound {
		return errors.Wrap(ErrNotExist, e.Message())
	}
	if e, ok := err.(awserr.Error); ok && (e.Code() == s3.ErrCodeNoSuchKey || e.Code() == "NotFound") {
		return errors.Wrap(ErrNotExist, e.Message())
	}
	return err
}

type s3WriteCloser struct {
	parent *S3
	key    string
	buf    bytes.Buffer
}

func (wc *s3WriteCloser) Write(p []byte) (int, error) {
	return wc.buf.Write(p)
}

func (wc *s3WriteCloser) Close() error {
	s := wc.parent
	_, err := s.svc.PutObject(&s3.PutObjectInput{
		Body:          bytes.NewReader(wc.buf.Bytes()),
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(s.Prefix + wc.key),
		ContentLength: aws.Int64(int64(wc.buf.Len())),
	})
	if err != nil {
		s.report("Put", wc.key, err)
		s.sizes.Forget(wc.key)
		return err
	}
	s.sizes.Set(wc.key, int64(wc.buf.Len()))
	return nil
}
