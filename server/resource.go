package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/vellum/persist"
	"github.com/ndlib/vellum/writeq"
)

// MaxDocumentSize is the largest body accepted by PutResourceHandler.
const MaxDocumentSize = 16 << 20

// resourceID builds the resource named by the :root and *path parameters.
// A handle to a single file is addressed as /resource/<root>/.
func resourceID(ps httprouter.Params) persist.ResourceID {
	return persist.ResourceID{
		Root: ps.ByName("root"),
		Path: strings.TrimPrefix(ps.ByName("path"), "/"),
	}
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// GetResourceHandler handles requests to GET /resource/:root/*path
// The query parameter refresh=1 bypasses the cache.
func (s *RESTServer) GetResourceHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	content, err := s.Service.ReadResource(r.Context(), resourceID(ps), boolParam(r, "refresh"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, content)
}

// PutResourceHandler handles requests to PUT /resource/:root/*path
// The body is the new content. Query parameters:
//
//	priority=high   jump ahead of the normal priority writes
//	immediate=1     skip the queue and reply once the write is done
//
// A queued write is answered with 202 and the operation, whose outcome can
// be had from the Location header.
func (s *RESTServer) PutResourceHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	priority, err := writeq.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.uploads.Enter(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	defer s.uploads.Leave()
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxDocumentSize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(body) > MaxDocumentSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "document too large"})
		return
	}
	opts := persist.WriteOptions{
		Priority:  priority,
		Immediate: boolParam(r, "immediate"),
	}
	op, err := s.Service.WriteResource(r.Context(), resourceID(ps), string(body), opts)
	if err != nil {
		writeOperation(w, op, err)
		return
	}
	if opts.Immediate {
		writeJSON(w, http.StatusOK, op)
		return
	}
	w.Header().Set("Location", "/ops/"+op.ID)
	writeJSON(w, http.StatusAccepted, op)
}

// writeOperation replies with the error, and the operation if it was made.
func writeOperation(w http.ResponseWriter, op writeq.Operation, err error) {
	if op.ID == "" {
		writeError(w, err)
		return
	}
	writeJSON(w, errorStatus(err), struct {
		writeq.Operation
		Error string `json:"error"`
	}{op, err.Error()})
}

// InvalidateHandler handles requests to DELETE /cache/:root/*path
func (s *RESTServer) InvalidateHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.Service.Invalidate(resourceID(ps))
	w.WriteHeader(http.StatusNoContent)
}

// ClearCacheHandler handles requests to DELETE /cache
func (s *RESTServer) ClearCacheHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.Service.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}
