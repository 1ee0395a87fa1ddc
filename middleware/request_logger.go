package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	chiware "github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sunupay/sunupay/utils/handlers"
)

// RequestLogger logs the start and completion of incoming requests and
// recovers panics, reporting them to sentry
func RequestLogger(logger *zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			// prometheus scrapes are noise
			if r.URL.EscapedPath() == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			ww := chiware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now().UTC()
			logger := hlog.FromRequest(r)
			requestLog(logger, r, 0).Msg("request started")

			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Str("panic", fmt.Sprintf("%+v", rec)).
						Str("stacktrace", string(debug.Stack())).
						Msg("panic recovered")

					event := sentry.NewEvent()
					event.Message = fmt.Sprint(rec)
					sentry.CaptureEvent(event)

					(&handlers.AppError{
						Message: http.StatusText(http.StatusInternalServerError),
						Code:    http.StatusInternalServerError,
					}).ServeHTTP(w, r)
				}

				status := ww.Status()
				requestLog(logger, r, status).
					Int("status", status).
					Int("size", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request complete")
			}()

			r = r.WithContext(logger.WithContext(r.Context()))
			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

func requestLog(logger *zerolog.Logger, r *http.Request, status int) *zerolog.Event {
	var event *zerolog.Event
	switch {
	case status >= 500:
		event = logger.Error()
	case status >= 400:
		event = logger.Warn()
	default:
		event = logger.Info()
	}

	event = event.
		Str("host", r.Host).
		Str("http_method", r.Method).
		Str("uri", r.URL.EscapedPath())

	if extReqID := r.Header.Get("X-Request-ID"); extReqID != "" {
		event = event.Str("x_request_id", extReqID)
	}
	return event
}
