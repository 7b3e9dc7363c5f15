package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ndlib/vellum/handle"
	"github.com/ndlib/vellum/persist"
	"github.com/ndlib/vellum/store"
	"github.com/ndlib/vellum/util"
	"github.com/ndlib/vellum/writeq"
)

// Version is set at link time.
var Version = "dev"

// RESTServer exposes a persist.Service over HTTP.
//
// Set the public fields and then call Run. Do not change any fields after
// calling Run.
type RESTServer struct {
	// Port number to listen on. defaults to 14100
	PortNumber string
	PProfPort  string

	// Service does all the work. Run will panic if it is nil.
	Service *persist.Service

	// Decoder authenticates the API tokens presented in the X-Api-Key
	// header. If this is nil then every request is allowed.
	Decoder TokenDecoder

	// StopTimeout is how long Stop waits for open requests.
	StopTimeout time.Duration

	// MaxUploads is how many document bodies are read at the same time.
	// Defaults to 8.
	MaxUploads int

	server  httpdown.Server // used to close our listening socket
	uploads util.Gate
}

// Run blocks listening for and handling http requests.
func (s *RESTServer) Run() error {
	log.WithField("version", Version).Info("starting vellum server")
	if s.Service == nil {
		panic("No service given. Service is nil.")
	}
	if s.Decoder == nil {
		log.Info("no token decoder given, every request is allowed")
		s.Decoder = NewNobodyDecoder()
	}
	if s.PortNumber == "" {
		s.PortNumber = "14100"
	}

	if s.PProfPort != "" {
		log.WithField("port", s.PProfPort).Info("starting pprof")
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.WithField("port", s.PortNumber).Info("listening")

	h := httpdown.HTTP{StopTimeout: s.StopTimeout}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Error(err)
		return err
	}
	return s.server.Wait()
}

// Stop closes the listening socket and returns once the open requests have
// finished. It does not close the Service.
func (s *RESTServer) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

// Handler returns the routes of s without listening on any port.
func (s *RESTServer) Handler() http.Handler {
	return s.addRoutes()
}

func (s *RESTServer) addRoutes() http.Handler {
	if s.Decoder == nil {
		s.Decoder = NewNobodyDecoder()
	}
	if s.MaxUploads <= 0 {
		s.MaxUploads = 8
	}
	s.uploads = util.NewGate(s.MaxUploads)
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		// documents
		{"GET", "/resource/:root/*path", RoleRead, s.GetResourceHandler},
		{"PUT", "/resource/:root/*path", RoleWrite, s.PutResourceHandler},
		{"DELETE", "/cache/:root/*path", RoleWrite, s.InvalidateHandler},
		{"DELETE", "/cache", RoleWrite, s.ClearCacheHandler},

		// stored handles
		{"GET", "/handles", RoleRead, s.ListHandlesHandler},
		{"PUT", "/handles/:id", RoleAdmin, s.SaveHandleHandler},
		{"DELETE", "/handles/:id", RoleAdmin, s.RemoveHandleHandler},
		{"GET", "/handles/:id/permission", RoleRead, s.CheckPermissionHandler},
		{"POST", "/handles/:id/permission", RoleAdmin, s.RequestPermissionHandler},

		// write operations and diagnostics
		{"GET", "/ops/:id", RoleRead, s.OperationHandler},
		{"GET", "/oplog", RoleRead, s.OperationLogHandler},
		{"GET", "/queue", RoleRead, s.QueueHandler},
		{"GET", "/stats", RoleRead, s.StatsHandler},

		// backups, for manual recovery
		{"GET", "/backups/:root/*path", RoleRead, s.ListBackupsHandler},
		{"GET", "/backup/:name", RoleRead, s.GetBackupHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/metrics", RoleUnknown, MetricsHandler},
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// General route handlers and convenience functions

func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Vellum (%s)\n", Version)
}

var promHandler = promhttp.Handler()

// MetricsHandler adapts the Prometheus handler to the httprouter three
// parameter handler.
func MetricsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	promHandler.ServeHTTP(w, r)
}

// writeJSON sends val with the given status code.
func writeJSON(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(val); err != nil {
		log.WithField("err", err).Warn("encoding response")
	}
}

// errorStatus maps an error from the service to an HTTP status code.
func errorStatus(err error) int {
	var (
		pe *handle.PersistenceError
		re *persist.ReadError
		ee *writeq.ExhaustedError
	)
	switch {
	case errors.Is(err, persist.ErrBadResource):
		return http.StatusBadRequest
	case errors.Is(err, handle.ErrNotFound),
		errors.Is(err, writeq.ErrUnknownOp),
		store.IsNotExist(err):
		return http.StatusNotFound
	case errors.As(err, &pe), errors.Is(err, writeq.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &re):
		return http.StatusBadGateway
	case errors.As(err, &ee):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= 500 {
		log.WithFields(log.Fields{"status": status, "err": err}).Warn("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role. The user name is added as a parameter
// "username".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		user, role, err := s.Decoder.TokenDecode(token)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		if role < leastRole {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Forbidden"})
			return
		}
		// replace any username given in the request
		var params httprouter.Params
		for _, p := range ps {
			if p.Key != "username" {
				params = append(params, p)
			}
		}
		params = append(params, httprouter.Param{Key: "username", Value: user})
		handler(w, r, params)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.WithFields(log.Fields{"method": r.Method, "url": r.URL.String()}).Debug("request")
		handler(w, r, ps)
	}
}
