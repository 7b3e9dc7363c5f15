package server

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/vellum/backup"
	"github.com/ndlib/vellum/cache"
	"github.com/ndlib/vellum/writeq"
)

// OperationHandler handles requests to GET /ops/:id
// It waits for the write to finish, unless the query parameter wait=0 is
// given. A failed write is reported with the status of its error.
func (s *RESTServer) OperationHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if v := r.URL.Query().Get("wait"); v != "" {
		if wait, _ := strconv.ParseBool(v); !wait {
			op, ok := s.Service.Operation(id)
			if !ok {
				writeError(w, writeq.ErrUnknownOp)
				return
			}
			writeJSON(w, http.StatusOK, op)
			return
		}
	}
	op, err := s.Service.Wait(r.Context(), id)
	if err != nil {
		writeOperation(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// OperationLogHandler handles requests to GET /oplog?limit=n
func (s *RESTServer) OperationLogHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops := s.Service.OperationLog(limit)
	writeJSON(w, http.StatusOK, ops)
}

// QueueHandler handles requests to GET /queue
func (s *RESTServer) QueueHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, http.StatusOK, struct {
		Length int `json:"length"`
	}{s.Service.QueueLength()})
}

// StatsHandler handles requests to GET /stats
func (s *RESTServer) StatsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, http.StatusOK, struct {
		Cache       cache.Stats `json:"cache"`
		QueueLength int         `json:"queueLength"`
		Version     string      `json:"version"`
	}{s.Service.CacheStats(), s.Service.QueueLength(), Version})
}

// ListBackupsHandler handles requests to GET /backups/:root/*path
func (s *RESTServer) ListBackupsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	infos, err := s.Service.Backups(resourceID(ps))
	if err != nil {
		writeError(w, err)
		return
	}
	if infos == nil {
		infos = []backup.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// GetBackupHandler handles requests to GET /backup/:name
func (s *RESTServer) GetBackupHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snap, err := s.Service.Backup(ps.ByName("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
