package ethercard

import (
	"context"
	"log/slog"
	"net/netip"
)

const levelTrace slog.Level = slog.LevelDebug - 2

func (s *Stack) logerr(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelError, msg, attrs...)
}

func (s *Stack) warn(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelWarn, msg, attrs...)
}

func (s *Stack) info(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelInfo, msg, attrs...)
}

func (s *Stack) debug(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelDebug, msg, attrs...)
}

func (s *Stack) trace(msg string, attrs ...slog.Attr) {
	if s.traceEnabled {
		s.logattrs(levelTrace, msg, attrs...)
	}
}

func (s *Stack) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		s.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func ipattr(key string, ip [4]byte) slog.Attr {
	return slog.String(key, netip.AddrFrom4(ip).String())
}
