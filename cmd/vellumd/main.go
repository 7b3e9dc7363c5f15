package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	raven "github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"

	"github.com/ndlib/vellum/cache"
	"github.com/ndlib/vellum/handle"
	"github.com/ndlib/vellum/persist"
	"github.com/ndlib/vellum/server"
	"github.com/ndlib/vellum/store"
	"github.com/ndlib/vellum/writeq"
)

func main() {
	var (
		configFile = flag.String("config", "", "configuration file")
		port       = flag.String("port", "", "port to listen on, overrides the configuration")
		logLevel   = flag.String("log-level", "", "log level, overrides the configuration")
		version    = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(server.Version)
		return
	}

	conf, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalln("Reading configuration:", err)
	}
	if *port != "" {
		conf.Port = *port
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}

	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		log.Fatalln(err)
	}
	log.SetLevel(level)
	if conf.SentryDSN != "" {
		raven.SetDSN(conf.SentryDSN)
	}

	svc, err := newService(conf)
	if err != nil {
		log.Fatalln(err)
	}

	// warn about the saved locations which need attention
	handles, err := svc.RestoreAllHandles(context.Background())
	if err != nil {
		log.Fatalln("Restoring handles:", err)
	}
	log.WithField("count", len(handles)).Info("restored handles")

	s := &server.RESTServer{
		PortNumber:  conf.Port,
		PProfPort:   conf.PProfPort,
		Service:     svc,
		StopTimeout: conf.StopTimeout.Duration,
	}
	if conf.TokenFile != "" {
		s.Decoder, err = server.NewListDecoderFile(conf.TokenFile)
		if err != nil {
			log.Fatalln("Reading tokens:", err)
		}
	}

	done := make(chan struct{})
	go signalHandler(s, svc, conf, done)

	if err := s.Run(); err != nil {
		log.Fatalln(err)
	}
	<-done
}

// newService builds the handle database, the backup store and the service
// described by conf.
func newService(conf config) (*persist.Service, error) {
	var backend handle.Backend
	var err error
	switch conf.Database.Driver {
	case "", "ql":
		log.WithField("file", conf.Database.DSN).Info("using ql database")
		backend, err = handle.NewQlBackend(conf.Database.DSN)
	case "mysql":
		log.Info("using mysql database")
		backend, err = handle.NewMysqlBackend(conf.Database.DSN)
	default:
		err = fmt.Errorf("unknown database driver %q", conf.Database.Driver)
	}
	if err != nil {
		return nil, err
	}

	locations := &handle.Locations{Prompter: logPrompter}
	backups, err := openBackups(locations, conf.Backups.Location)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if conf.Backups.Prefix != "" {
		backups = store.NewWithPrefix(backups, conf.Backups.Prefix)
	}

	svc := persist.New(handle.NewStore(backend, locations, nil), backups, persist.Options{
		Resolver:  locations,
		Retention: conf.Backups.Retention,
		Cache: cache.Options{
			MaxEntries: conf.Cache.Size,
			TTL:        conf.Cache.TTL.Duration,
		},
		Queue: writeq.Options{
			MaxRetries: conf.Queue.MaxRetries,
			RetryDelay: conf.Queue.RetryDelay.Duration,
			LogSize:    conf.Queue.LogSize,
		},
	})
	return svc, nil
}

// openBackups returns the store for the backup snapshots. Local
// directories are created if needed.
func openBackups(r handle.Resolver, location string) (store.Store, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0755); err != nil {
			return nil, err
		}
	}
	h, err := r.Resolve(location, handle.Directory)
	if err != nil {
		return nil, err
	}
	log.WithField("location", h.Token()).Info("keeping backups")
	return h.Store()
}

// logPrompter asks the operator to fix the access rights of a location.
// The check is repeated after it returns.
var logPrompter = handle.PrompterFunc(func(ctx context.Context, h handle.Handle) (bool, error) {
	log.WithFields(log.Fields{"name": h.Name(), "location": h.Token()}).
		Warn("vellum needs read and write access to this location")
	return true, nil
})

// signalHandler stops the server on SIGINT or SIGTERM, and then gives the
// queued writes a chance to finish.
func signalHandler(s *server.RESTServer, svc *persist.Service, conf config, done chan<- struct{}) {
	defer close(done)
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.WithField("signal", sig).Info("stopping")
	if err := s.Stop(); err != nil {
		log.WithField("err", err).Warn("stopping server")
	}
	ctx, cancel := context.WithTimeout(context.Background(), conf.Queue.DrainTimeout.Duration)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		log.WithField("err", err).Error("closing")
	}
	raven.Wait()
}
