package main

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/github/go-maxrss/maxrss"
)

func newLogger(w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

// Events that are only interesting when debugging.
var debugEvents = map[string]bool{
	"trace event":       true,
	"peak memory usage": true,
}

func logEvents(logger logrus.FieldLogger) func(*maxrss.Event) {
	return func(e *maxrss.Event) {
		entry := logger.WithField("command", e.Command)
		if len(e.Context) > 0 {
			entry = entry.WithFields(logrus.Fields(e.Context))
		}
		if e.Err != nil {
			entry = entry.WithError(e.Err)
		}

		switch {
		case debugEvents[e.Msg]:
			entry.Debug(e.Msg)
		case e.Err != nil:
			entry.Warn(e.Msg)
		default:
			entry.Info(e.Msg)
		}
	}
}
