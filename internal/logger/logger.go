// Package logger provides the dispatch core's logging wrapper.
//
// The wrapper standardizes on package-level Debug/Info/Warn/Error functions
// backed by logrus, the way NVIDIA-proxyfs's logger package standardizes
// call sites on a small API while keeping logrus as the implementation.
// This lets the output format (text vs JSON) and level be switched at
// startup from configuration, which a bare stdlib *log.Logger cannot do.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

// SetLevel sets the minimum level logged. Unrecognized values are ignored.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return
	}
	std.SetLevel(lvl)
}

// SetFormat selects "json" or "text" (the default) output.
func SetFormat(format string) {
	if strings.EqualFold(format, "json") {
		std.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetOutput redirects log output; "stdout"/"stderr" are recognized specially,
// anything else is treated as a file path opened for append.
func SetOutput(dest string) error {
	switch strings.ToLower(dest) {
	case "", "stdout":
		std.SetOutput(os.Stdout)
		return nil
	case "stderr":
		std.SetOutput(os.Stderr)
		return nil
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		std.SetOutput(f)
		return nil
	}
}

// SetOutputWriter is exposed for tests that want to capture log output.
func SetOutputWriter(w io.Writer) {
	std.SetOutput(w)
}

func Debug(format string, v ...any) { std.Debugf(format, v...) }
func Info(format string, v ...any)  { std.Infof(format, v...) }
func Warn(format string, v ...any)  { std.Warnf(format, v...) }
func Error(format string, v ...any) { std.Errorf(format, v...) }

// WithField returns a logrus entry for call sites that want structured
// key/value fields instead of a formatted message, e.g. per-request
// tracing where field names matter for log search.
func WithField(key string, value any) *logrus.Entry {
	return std.WithField(key, value)
}
