package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"agritrace/internal/config"
	"agritrace/internal/core"
)

func newLogger(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// auditLog writes audit entries to the process log.
type auditLog struct {
	logger *slog.Logger
}

func (a auditLog) Record(ctx context.Context, e core.AuditEntry) {
	attrs := []slog.Attr{
		slog.String("id", e.ID),
		slog.String("operation", e.Operation),
		slog.String("batch_id", e.BatchID),
		slog.String("caller", e.Caller),
		slog.String("role", string(e.Role)),
		slog.String("status", string(e.Status)),
		slog.Duration("duration", e.Duration),
	}
	level := slog.LevelInfo
	if e.Status == core.AuditStatusError {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("code", string(e.Code)), slog.String("error", e.Error))
	}
	a.logger.LogAttrs(ctx, level, "audit", attrs...)
}
