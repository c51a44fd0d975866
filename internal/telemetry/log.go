package telemetry

import (
	"fmt"
	"io"
	"log/slog"
)

// SetupLogger makes a JSON handler writing to w at level the default slog logger.
func SetupLogger(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
	})))

	return nil
}
