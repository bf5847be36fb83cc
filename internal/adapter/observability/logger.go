package observability

import (
	"log/slog"
	"os"

	"github.com/scribehq/notegen/internal/config"
)

// SetupLogger builds the process logger: JSON to stdout for log shipping, a
// readable text handler at debug level in dev. Every line carries the service
// name and environment.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
