package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rulepatch/rulepatch/patchfile"
	"github.com/rulepatch/rulepatch/patchlib"
	"github.com/rulepatch/rulepatch/rules"
	"github.com/rulepatch/rulepatch/service"
	"github.com/sirupsen/logrus"
)

// newLogger creates the logger for a config. The returned closer closes the
// log file, if any.
func newLogger(c *config) (*logrus.Logger, io.Closer, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}

	var w io.WriteCloser = nopCloser{os.Stderr}
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
	}

	return &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: lvl,
	}, w, nil
}

// hookLogs sends the trace output of the libraries to l.
func hookLogs(l *logrus.Logger) {
	hook := func(pkg string, lvl logrus.Level) func(string, ...interface{}) {
		e := l.WithField("pkg", pkg)
		return func(format string, a ...interface{}) {
			e.Log(lvl, strings.TrimRight(fmt.Sprintf(format, a...), "\n"))
		}
	}
	patchlib.Log = hook("patchlib", logrus.TraceLevel)
	rules.Log = hook("rules", logrus.DebugLevel)
	patchfile.Log = hook("patchfile", logrus.DebugLevel)
	service.Log = hook("service", logrus.InfoLevel)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}
