package server

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
	"github.com/SmitUplenchwar2687/throttleguard/internal/httpguard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/recorder"
)

// RecordingMiddleware records every request passing through it, keyed the
// way httpguard keys it by default.
func RecordingMiddleware(next http.Handler, rec *recorder.Recorder, clk clock.Clock, policy string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := recorder.TrafficRecord{
			Timestamp: clk.Now(),
			Key:       httpguard.DefaultKey(r),
			Policy:    policy,
			Endpoint:  endpoint(r.Method, r.URL.Path),
			Metadata: map[string]string{
				"user_agent": r.UserAgent(),
			},
		}
		if err := rec.Record(tr); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("record traffic")
		}
		next.ServeHTTP(w, r)
	})
}
