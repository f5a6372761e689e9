package enc28j60

import (
	"context"
	"log/slog"
)

const levelTrace slog.Level = slog.LevelDebug - 2

func (d *Dev) logerr(msg string, attrs ...slog.Attr) { d.logattrs(slog.LevelError, msg, attrs...) }
func (d *Dev) info(msg string, attrs ...slog.Attr)   { d.logattrs(slog.LevelInfo, msg, attrs...) }
func (d *Dev) debug(msg string, attrs ...slog.Attr)  { d.logattrs(slog.LevelDebug, msg, attrs...) }
func (d *Dev) trace(msg string, attrs ...slog.Attr)  { d.logattrs(levelTrace, msg, attrs...) }

func (d *Dev) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger != nil {
		d.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
