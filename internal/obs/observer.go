package obs

import (
	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
)

// LogObserverOptions configure a LogObserver.
type LogObserverOptions struct {
	// Level of rejection entries. Defaults to warn.
	Level string
	// Disabled turns the observer into a no-op.
	Disabled bool
}

// LogObserver writes one structured entry per rejection.
type LogObserver struct {
	logger  zerolog.Logger
	level   zerolog.Level
	enabled bool
}

// NewLogObserver returns a guard.Observer that logs rejections to logger.
func NewLogObserver(logger zerolog.Logger, opts LogObserverOptions) *LogObserver {
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.WarnLevel
	}
	return &LogObserver{logger: logger, level: lvl, enabled: !opts.Disabled}
}

// Notify logs err. When reqCtx is nil the context carried by err is
// logged instead.
func (o *LogObserver) Notify(err *guard.RateLimitError, reqCtx *guard.RequestContext) {
	if !o.enabled {
		return
	}
	if reqCtx == nil {
		reqCtx = err.Context()
	}
	ev := o.logger.WithLevel(o.level).
		Str("type", "rate_limit").
		Str("strategy", err.Policy()).
		Str("key", err.Key()).
		Int64("retry_after_ms", err.RetryAfter().Milliseconds())
	if reqCtx != nil {
		ev = ev.Str("ip", reqCtx.IP).
			Str("path", reqCtx.Path).
			Str("method", reqCtx.Method).
			Str("user_id", reqCtx.UserID)
		if len(reqCtx.Metadata) > 0 {
			dict := zerolog.Dict()
			for k, v := range reqCtx.Metadata {
				dict = dict.Str(k, v)
			}
			ev = ev.Dict("metadata", dict)
		}
	}
	ev.Msg(err.Message())
}
