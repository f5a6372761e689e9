package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// levelTrace matches the stack's below-debug frame tracing level.
const levelTrace = slog.LevelDebug - 2

func parseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return levelTrace, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// newLogger returns a text logger writing to stderr, or to a rotating log
// file when lc.File is set. The returned closer is nil for stderr.
func newLogger(lc logConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(lc.Level)
	if err != nil {
		return nil, nil, err
	}
	var (
		w      = stderr
		closer io.Closer
	)
	if lc.File != "" {
		lj := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSize,    // megabytes
			MaxBackups: lc.MaxBackups, // number of backups
			MaxAge:     lc.MaxAge,     // days
			Compress:   lc.Compress,   // compress the backups
		}
		w, closer = lj, lj
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l < slog.LevelDebug {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
	return slog.New(h), closer, nil
}
