package runtime

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// reporter forwards a session's capability failures to Sentry. It is nil
// when no DSN is configured.
func (r *Runtime) reporter(sessionID string) func(error) {
	if r.cfg.Telemetry.SentryDSN == "" {
		return nil
	}
	return func(err error) {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("session_id", sessionID)
			scope.SetTag("audio_source", r.cfg.Audio.Source)
			scope.SetTag("stt_mode", r.cfg.STT.Mode)
			sentry.CaptureException(err)
		})
	}
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}
