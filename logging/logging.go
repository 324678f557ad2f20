package logging

import (
	"io"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the apex/log handler, level and optional rotating file.
type Options struct {
	Level  string
	Format string // text | json
	File   string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup installs the process-wide apex/log handler and returns a closer
// for the log file (a no-op when logging only to stderr).
func Setup(opts Options) io.Closer {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 15),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, file)
		closer = file
	}

	log.SetHandler(handlerFor(opts.Format, out))

	level, err := log.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	return closer
}

func handlerFor(format string, w io.Writer) log.Handler {
	if strings.EqualFold(format, "json") {
		return json.New(w)
	}
	return text.New(w)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
