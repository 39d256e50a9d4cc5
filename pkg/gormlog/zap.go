package gormlog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	"github.com/fatflowers/billing/pkg/logctx"
)

const defaultSlowThreshold = 500 * time.Millisecond

type Options struct {
	// Verbose logs every statement at info level.
	Verbose bool
	// SlowThreshold defaults to 500ms. Negative disables slow query warnings.
	SlowThreshold time.Duration
	// ShowParams interpolates bind values into logged SQL. Off, statements keep
	// their placeholders so emails and payment tokens stay out of the logs.
	ShowParams bool
}

// ZapLogger implements gorm.io/gorm/logger.Interface on top of the request
// scoped logger from logctx.
type ZapLogger struct {
	base  *zap.SugaredLogger
	level gormlogger.LogLevel
	opts  Options
}

func New(base *zap.SugaredLogger, opts Options) *ZapLogger {
	level := gormlogger.Warn
	if opts.Verbose {
		level = gormlogger.Info
	}
	if opts.SlowThreshold == 0 {
		opts.SlowThreshold = defaultSlowThreshold
	}
	return &ZapLogger{base: base, level: level, opts: opts}
}

func (z *ZapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *z
	cp.level = level
	return &cp
}

func (z *ZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if z.level >= gormlogger.Info {
		logctx.FromCtx(ctx, z.base).Infow(msg, "args", data)
	}
}

func (z *ZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if z.level >= gormlogger.Warn {
		logctx.FromCtx(ctx, z.base).Warnw(msg, "args", data)
	}
}

func (z *ZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if z.level >= gormlogger.Error {
		logctx.FromCtx(ctx, z.base).Errorw(msg, "args", data)
	}
}

// ParamsFilter is consulted by gorm before it renders SQL for Trace.
func (z *ZapLogger) ParamsFilter(_ context.Context, sql string, params ...interface{}) (string, []interface{}) {
	if z.opts.ShowParams {
		return sql, params
	}
	return sql, nil
}

func (z *ZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if z.level == gormlogger.Silent {
		return
	}
	// Lookups that miss are answered with store.ErrNotFound upstream.
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = nil
	}
	elapsed := time.Since(begin)
	slow := z.opts.SlowThreshold > 0 && elapsed > z.opts.SlowThreshold
	if err == nil && !slow && z.level < gormlogger.Info {
		return
	}

	sql, rows := fc()
	lg := logctx.FromCtx(ctx, z.base)
	fields := []interface{}{
		"rows", rows,
		"elapsed_ms", elapsed.Milliseconds(),
		"caller", shortCaller(utils.FileWithLineNum()),
		"sql", sql,
	}
	switch {
	case err != nil && z.level >= gormlogger.Error:
		lg.Errorw("gorm query failed", append(fields, "error", err)...)
	case slow && z.level >= gormlogger.Warn:
		lg.Warnw("gorm slow query", fields...)
	case z.level >= gormlogger.Info:
		lg.Infow("gorm query", fields...)
	}
}

// shortCaller keeps the repo relative part of a caller path.
//
//	/srv/billing/internal/app/store/gorm.go:38 -> internal/app/store/gorm.go:38
func shortCaller(s string) string {
	path, line := s, ""
	if i := strings.LastIndex(s, ":"); i >= 0 {
		path, line = s[:i], s[i:]
	}
	path = filepath.ToSlash(path)
	for _, root := range []string{"/internal/", "/pkg/", "/cmd/"} {
		if i := strings.Index(path, root); i >= 0 {
			return path[i+1:] + line
		}
	}
	if parts := strings.Split(path, "/"); len(parts) > 2 {
		path = strings.Join(parts[len(parts)-2:], "/")
	}
	return strings.TrimPrefix(path, "/") + line
}
