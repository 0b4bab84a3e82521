package obs

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry enables error capture when dsn is non-empty. The returned func
// flushes buffered events and must be called before exit.
func InitSentry(dsn, environment, release string) (flush func(), err error) {
	if dsn == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	}); err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// CaptureError logs err and forwards it to sentry when sentry is configured.
func CaptureError(ctx context.Context, msg string, err error, attrs ...any) {
	if err == nil {
		return
	}
	Logger().ErrorContext(ctx, msg, append(attrs, "error", err.Error())...)
	hub := sentry.CurrentHub()
	if h := sentry.GetHubFromContext(ctx); h != nil {
		hub = h
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", msg)
		hub.CaptureException(err)
	})
}
