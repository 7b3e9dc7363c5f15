package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/vellum/handle"
)

// ListHandlesHandler handles requests to GET /handles
func (s *RESTServer) ListHandlesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	recs, err := s.Service.ListHandles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []handle.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type saveRequest struct {
	Location string `json:"location"`
	Kind     string `json:"kind"`
}

type handleInfo struct {
	ID      string      `json:"id"`
	Name    string      `json:"displayName"`
	Kind    handle.Kind `json:"kind"`
	Granted bool        `json:"granted"`
}

// SaveHandleHandler handles requests to PUT /handles/:id
// The body is {"location": "...", "kind": "file" | "directory"}.
func (s *RESTServer) SaveHandleHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	kind, err := handle.ParseKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	id := ps.ByName("id")
	h, err := s.Service.SaveLocation(r.Context(), id, req.Location, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handleInfo{
		ID:      id,
		Name:    h.Name(),
		Kind:    h.Kind(),
		Granted: s.Service.CheckPermission(r.Context(), h),
	})
}

// RemoveHandleHandler handles requests to DELETE /handles/:id
func (s *RESTServer) RemoveHandleHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.Service.RemoveHandle(r.Context(), ps.ByName("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckPermissionHandler handles requests to GET /handles/:id/permission
func (s *RESTServer) CheckPermissionHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.permission(w, r, ps.ByName("id"), s.Service.CheckPermission)
}

// RequestPermissionHandler handles requests to POST /handles/:id/permission
func (s *RESTServer) RequestPermissionHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.permission(w, r, ps.ByName("id"), s.Service.RequestPermission)
}

func (s *RESTServer) permission(w http.ResponseWriter, r *http.Request, id string, check func(context.Context, handle.Handle) bool) {
	h, err := s.Service.GetHandle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handleInfo{
		ID:      id,
		Name:    h.Name(),
		Kind:    h.Kind(),
		Granted: check(r.Context(), h),
	})
}
