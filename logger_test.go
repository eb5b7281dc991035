package objstore

import (
	"context"
	"log/slog"
	"testing"
)

func TestConfigureLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		logLevel.Set(slog.LevelInfo)
	})
	ctx := context.Background()

	tests := []struct {
		env     string
		enabled slog.Level
		off     slog.Level
	}{
		{env: "", enabled: slog.LevelInfo, off: slog.LevelDebug},
		{env: "DEBUG", enabled: slog.LevelDebug, off: slog.LevelDebug - 1},
		{env: "WARN", enabled: slog.LevelWarn, off: slog.LevelInfo},
		{env: "ERROR", enabled: slog.LevelError, off: slog.LevelWarn},
		{env: "verbose", enabled: slog.LevelInfo, off: slog.LevelDebug},
	}
	for _, tt := range tests {
		t.Setenv("OBJSTORE_LOG_LEVEL", tt.env)
		ConfigureLogging()
		l := slog.Default()
		if !l.Enabled(ctx, tt.enabled) {
			t.Errorf("OBJSTORE_LOG_LEVEL=%q: level %v is disabled", tt.env, tt.enabled)
		}
		if l.Enabled(ctx, tt.off) {
			t.Errorf("OBJSTORE_LOG_LEVEL=%q: level %v is enabled", tt.env, tt.off)
		}
	}

	SetLogLevel(slog.LevelDebug)
	if !slog.Default().Enabled(ctx, slog.LevelDebug) {
		t.Errorf("SetLogLevel(Debug) did not enable debug logs")
	}
	SetLogLevel(slog.LevelError)
	if slog.Default().Enabled(ctx, slog.LevelWarn) {
		t.Errorf("SetLogLevel(Error) left warnings enabled")
	}
}

func TestLoggerOrDefault(t *testing.T) {
	if LoggerOrDefault(nil) != slog.Default() {
		t.Errorf("LoggerOrDefault(nil) is not the default logger")
	}
	l := slog.New(slog.DiscardHandler)
	if LoggerOrDefault(l) != l {
		t.Errorf("LoggerOrDefault did not return the given logger")
	}
}
