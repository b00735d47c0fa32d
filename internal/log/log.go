// log is deckhand's logging facade: level helpers that pull the clog logger
// off the context, so deploy-scoped attributes (stack, revision) attached via
// With travel with the work that logs them.
package log

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/chainguard-dev/clog"
)

func Debug(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelDebug, msg, args...)
}

func Info(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelInfo, msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelWarn, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelError, msg, args...)
}

// With returns a context whose logger carries the given attributes on every
// subsequent record.
func With(ctx context.Context, args ...any) context.Context {
	return clog.WithLogger(ctx, clog.FromContext(ctx).With(args...))
}

// emit builds the record by hand so the caller's pc lands in the source
// attribution instead of this package's.
func emit(ctx context.Context, level slog.Level, msg string, args ...any) {
	l := clog.FromContext(ctx)
	if !l.Enabled(ctx, level) {
		return
	}

	// skip [runtime.Callers, emit, the level helper]
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.Handler().Handle(ctx, r)
}

// Writer returns an io.Writer that logs each write as a single debug record,
// used to surface container output without letting it clobber the terminal.
func Writer(ctx context.Context, args ...any) io.Writer {
	return &logWriter{ctx: ctx, args: args}
}

type logWriter struct {
	ctx  context.Context
	args []any
}

func (w *logWriter) Write(p []byte) (int, error) {
	Debug(w.ctx, string(p), w.args...)
	return len(p), nil
}
