package persist

import (
	"fmt"

	raven "github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"
)

// A Notifier surfaces non-fatal problems to the user, e.g. a restored handle
// which has lost its permission.
type Notifier interface {
	Warn(msg string, fields map[string]interface{})
}

// LogNotifier writes warnings to the log. Warnings carrying an "err" field
// are also sent to Sentry, if a DSN was configured.
type LogNotifier struct{}

func (LogNotifier) Warn(msg string, fields map[string]interface{}) {
	log.WithFields(log.Fields(fields)).Warn(msg)
	if err, ok := fields["err"].(error); ok {
		tags := make(map[string]string)
		for k, v := range fields {
			if k != "err" {
				tags[k] = fmt.Sprint(v)
			}
		}
		raven.CaptureError(err, tags)
	}
}
