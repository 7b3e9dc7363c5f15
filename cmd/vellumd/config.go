package main

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ndlib/vellum/backup"
	"github.com/ndlib/vellum/cache"
	"github.com/ndlib/vellum/writeq"
)

// config is the layout of the configuration file. Every setting has a
// default, so an empty file is a valid configuration.
type config struct {
	Port      string `toml:"port"`
	PProfPort string `toml:"pprof-port"`
	LogLevel  string `toml:"log-level"`
	SentryDSN string `toml:"sentry-dsn"`
	// A file of "user role token" lines. Without one every request is
	// allowed.
	TokenFile   string   `toml:"token-file"`
	StopTimeout duration `toml:"stop-timeout"`

	Database struct {
		// "ql" or "mysql"
		Driver string `toml:"driver"`
		// a file name or "memory" for ql, a DSN for mysql
		DSN string `toml:"dsn"`
	} `toml:"database"`

	Backups struct {
		// any location a handle can be saved with
		Location string `toml:"location"`
		// put before every snapshot name, for a location shared with
		// other data
		Prefix    string `toml:"prefix"`
		Retention int    `toml:"retention"`
	} `toml:"backups"`

	Cache struct {
		Size int      `toml:"size"`
		TTL  duration `toml:"ttl"`
	} `toml:"cache"`

	Queue struct {
		MaxRetries int      `toml:"max-retries"`
		RetryDelay duration `toml:"retry-delay"`
		LogSize    int      `toml:"log-size"`
		// how long shutdown waits for queued writes
		DrainTimeout duration `toml:"drain-timeout"`
	} `toml:"queue"`
}

// duration lets durations be written as strings like "1m30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func defaultConfig() config {
	var c config
	c.Port = "14100"
	c.LogLevel = "info"
	c.StopTimeout.Duration = 30 * time.Second
	c.Database.Driver = "ql"
	c.Database.DSN = "vellum.db"
	c.Backups.Location = "backups"
	c.Backups.Retention = backup.DefaultRetention
	c.Cache.Size = cache.DefaultMaxEntries
	c.Cache.TTL.Duration = cache.DefaultTTL
	c.Queue.MaxRetries = writeq.DefaultMaxRetries
	c.Queue.RetryDelay.Duration = writeq.DefaultRetryDelay
	c.Queue.LogSize = writeq.DefaultLogSize
	c.Queue.DrainTimeout.Duration = time.Minute
	return c
}

// loadConfig reads the file fname over the defaults. An empty fname gives
// the defaults.
func loadConfig(fname string) (config, error) {
	c := defaultConfig()
	if fname == "" {
		return c, nil
	}
	_, err := toml.DecodeFile(fname, &c)
	return c, err
}
