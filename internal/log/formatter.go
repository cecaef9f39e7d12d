// Package log provides the shared logrus formatter configuration for the
// caissesync binaries.
package log

import (
	"github.com/sirupsen/logrus"
)

// NewFormatter returns the standard formatter used by all caissesync
// processes. When json is true, entries are emitted as JSON lines suitable
// for log shippers; otherwise a compact text layout is used.
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		}
	}
	return &logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		FullTimestamp:   true,
	}
}

// Setup configures the global logrus logger with the given level name.
func Setup(level string, json bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(NewFormatter(json))
	logrus.SetReportCaller(false)
	return nil
}
