// Package client talks to a vellum server over HTTP.
package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	log "github.com/sirupsen/logrus"
)

// Exported errors
var (
	ErrNotFound      = errors.New("Not Found in Vellum")
	ErrNotAuthorized = errors.New("Access Denied")
	ErrBadRequest    = errors.New("Bad Request")
	ErrServerError   = errors.New("Server Error")
)

// A Connection represents a connection with a Vellum server.
// It can be shared between multiple goroutines.
type Connection struct {
	// The vellum server this connection is to
	HostURL string
	Token   string

	// Retries is how many times a request answered with 502, 503 or 504 is
	// sent again. The default is 3.
	Retries    int
	RetryDelay time.Duration

	client *http.Client
}

// Operation is the state of a write as reported by the server.
type Operation struct {
	ID        string
	Target    string
	Status    string
	Attempt   int64
	LastError string
}

// Handle describes a stored handle.
type Handle struct {
	ID          string
	DisplayName string
	Kind        string
	Granted     bool
}

// Backup describes a stored snapshot.
type Backup struct {
	Name       string
	CapturedAt time.Time
}

// Read returns the content of the document path inside root. Use an empty
// path for a root which is a single file.
func (c *Connection) Read(root, path string, refresh bool) (string, error) {
	route := resourcePath("/resource", root, path)
	if refresh {
		route += "?refresh=1"
	}
	resp, err := c.send("GET", route, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

// Write sends content for the document path inside root. Unless immediate
// is set the write is queued and the returned operation is still pending;
// use Wait to learn how it went.
func (c *Connection) Write(root, path, content, priority string, immediate bool) (Operation, error) {
	q := url.Values{}
	if priority != "" {
		q.Set("priority", priority)
	}
	if immediate {
		q.Set("immediate", "1")
	}
	route := resourcePath("/resource", root, path)
	if len(q) > 0 {
		route += "?" + q.Encode()
	}
	v, err := c.doJason("PUT", route, []byte(content))
	if err != nil {
		return Operation{}, err
	}
	return toOperation(v), nil
}

// Wait blocks until the server has finished the operation id. A failed
// write is returned with its status set to "failed" and a nil error.
func (c *Connection) Wait(id string) (Operation, error) {
	resp, err := c.do("GET", "/ops/"+url.PathEscape(id), nil)
	if err != nil {
		return Operation{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return Operation{}, ErrNotFound
	}
	// a failed write is reported with the status of its error
	v, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return Operation{}, fmt.Errorf("Received status %d from Vellum", resp.StatusCode)
	}
	op := toOperation(v)
	if op.ID == "" {
		return op, statusError(resp.StatusCode)
	}
	return op, nil
}

// objectArray unpacks a JSON array of objects.
func objectArray(v *jason.Value) ([]*jason.Object, error) {
	if v.Null() == nil {
		return nil, nil
	}
	values, err := v.Array()
	if err != nil {
		return nil, err
	}
	var result []*jason.Object
	for _, elem := range values {
		o, err := elem.Object()
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, nil
}

// Handles lists the stored handles.
func (c *Connection) Handles() ([]Handle, error) {
	resp, err := c.send("GET", "/handles", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	v, err := jason.NewValueFromReader(resp.Body)
	if err != nil {
		return nil, err
	}
	list, err := objectArray(v)
	if err != nil {
		return nil, err
	}
	var result []Handle
	for _, o := range list {
		h := Handle{}
		h.ID, _ = o.GetString("id")
		h.DisplayName, _ = o.GetString("displayName")
		h.Kind, _ = o.GetString("kind")
		result = append(result, h)
	}
	return result, nil
}

// SaveHandle stores the location under id. Kind is "file" or "directory".
func (c *Connection) SaveHandle(id, location, kind string) (Handle, error) {
	body := fmt.Sprintf(`{"location": %q, "kind": %q}`, location, kind)
	v, err := c.doJason("PUT", "/handles/"+url.PathEscape(id), []byte(body))
	if err != nil {
		return Handle{}, err
	}
	return toHandle(v), nil
}

// RemoveHandle forgets the handle stored under id.
func (c *Connection) RemoveHandle(id string) error {
	resp, err := c.send("DELETE", "/handles/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Permission checks the access to the handle id, asking for it if request
// is set.
func (c *Connection) Permission(id string, request bool) (Handle, error) {
	method := "GET"
	if request {
		method = "POST"
	}
	v, err := c.doJason(method, "/handles/"+url.PathEscape(id)+"/permission", nil)
	if err != nil {
		return Handle{}, err
	}
	return toHandle(v), nil
}

// Backups lists the snapshots of a document, newest first.
func (c *Connection) Backups(root, path string) ([]Backup, error) {
	resp, err := c.send("GET", resourcePath("/backups", root, path), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	v, err := jason.NewValueFromReader(resp.Body)
	if err != nil {
		return nil, err
	}
	list, err := objectArray(v)
	if err != nil {
		return nil, err
	}
	var result []Backup
	for _, o := range list {
		b := Backup{}
		b.Name, _ = o.GetString("name")
		if s, err := o.GetString("capturedAt"); err == nil {
			b.CapturedAt, _ = time.Parse(time.RFC3339Nano, s)
		}
		result = append(result, b)
	}
	return result, nil
}

// Snapshot returns the content saved in the snapshot name.
func (c *Connection) Snapshot(name string) (string, error) {
	v, err := c.doJason("GET", "/backup/"+url.PathEscape(name), nil)
	if err != nil {
		return "", err
	}
	return v.GetString("content")
}

// Stats returns the server's cache and queue counters.
func (c *Connection) Stats() (*jason.Object, error) {
	return c.doJason("GET", "/stats", nil)
}

func toOperation(v *jason.Object) Operation {
	op := Operation{}
	op.ID, _ = v.GetString("id")
	op.Target, _ = v.GetString("target")
	op.Status, _ = v.GetString("status")
	op.Attempt, _ = v.GetInt64("attempt")
	op.LastError, _ = v.GetString("lastError")
	return op
}

func toHandle(v *jason.Object) Handle {
	h := Handle{}
	h.ID, _ = v.GetString("id")
	h.DisplayName, _ = v.GetString("displayName")
	h.Kind, _ = v.GetString("kind")
	h.Granted, _ = v.GetBoolean("granted")
	return h
}

// resourcePath builds prefix/root/path, escaping each path segment.
func resourcePath(prefix, root, path string) string {
	segments := []string{prefix, url.PathEscape(root)}
	for _, s := range strings.Split(path, "/") {
		segments = append(segments, url.PathEscape(s))
	}
	return strings.Join(segments, "/")
}

func (c *Connection) doJason(method, route string, body []byte) (*jason.Object, error) {
	resp, err := c.send(method, route, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return jason.NewObjectFromReader(resp.Body)
}

// send does the request and turns any status other than 2xx into an error.
func (c *Connection) send(method, route string, body []byte) (*http.Response, error) {
	resp, err := c.do(method, route, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, statusError(resp.StatusCode)
	}
	return resp, nil
}

func statusError(status int) error {
	switch {
	case status == 400:
		return ErrBadRequest
	case status == 401:
		return ErrNotAuthorized
	case status == 404:
		return ErrNotFound
	case status >= 500:
		return ErrServerError
	}
	return fmt.Errorf("Received status %d from Vellum", status)
}

// do performs an http request using our client with a timeout. Requests
// answered with a gateway or unavailable status are retried.
func (c *Connection) do(method, route string, body []byte) (*http.Response, error) {
	if c.client == nil {
		c.client = &http.Client{
			Timeout: 5 * time.Minute, // arbitrary
		}
	}
	retries := c.Retries
	if retries <= 0 {
		retries = 3
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 0; ; i++ {
		req, err := http.NewRequest(method, c.HostURL+route, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if c.Token != "" {
			req.Header.Add("X-Api-Key", c.Token)
		}
		if body != nil && strings.HasPrefix(route, "/handles/") {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case 502, 503, 504:
			if i < retries {
				resp.Body.Close()
				log.WithFields(log.Fields{"route": route, "status": resp.StatusCode}).Info("retrying request")
				time.Sleep(delay)
				continue
			}
		}
		return resp, nil
	}
}
