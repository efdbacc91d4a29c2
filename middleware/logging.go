package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/rpc"
)

// Logging records the outcome and duration of every call that passes
// through it.
func Logging(log *slog.Logger) rpc.Middleware {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(ctx context.Context, caps *capability.Registry, next rpc.Next) (any, error) {
		start := time.Now()
		log.DebugContext(ctx, "rpc.call.start")

		res, err := next(ctx, caps)
		if err != nil {
			rpcErr := rpc.AsError(err)
			level := slog.LevelWarn
			if rpcErr.Code == rpc.InternalServerError {
				level = slog.LevelError
			}
			log.Log(ctx, level, "rpc.call.fail",
				slog.String("code", string(rpcErr.Code)),
				slog.String("err", err.Error()),
				slog.Duration("duration", time.Since(start)))
			return res, err
		}

		log.InfoContext(ctx, "rpc.call.finish", slog.Duration("duration", time.Since(start)))
		return res, nil
	}
}
