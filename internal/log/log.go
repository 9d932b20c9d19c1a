// Package log configures logrus output for alfresco_sync.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TimestampFormat is used by both formatters so text and JSON logs line up.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// NewFormatter returns the formatter used by the binary. Text output always carries full
// timestamps because the service usually runs unattended.
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: TimestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyMsg: "message",
			},
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  TimestampFormat,
		DisableColors:    true,
		QuoteEmptyFields: true,
	}
}

// FileOptions controls log file rotation.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// NewOutput returns stderr when no path is configured, otherwise a size rotated log file.
func NewOutput(opts FileOptions) io.WriteCloser {
	if opts.Path == "" {
		return nopCloser{Writer: os.Stderr}
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}
