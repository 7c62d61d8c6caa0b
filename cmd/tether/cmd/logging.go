package cmd

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func setupLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(effectiveLevel(logLevel, GetVerbose(), GetDebug()))
	config.Development = GetDebug()
	return config.Build()
}

// effectiveLevel lets --debug, and --verbose at the default level, lower
// the log level.
func effectiveLevel(level string, verbose, debug bool) zapcore.Level {
	if debug || (verbose && strings.EqualFold(level, "info")) {
		return zapcore.DebugLevel
	}
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func stringSliceToAnySlice(strs []string) []any {
	anys := make([]any, len(strs))
	for i, s := range strs {
		anys[i] = s
	}
	return anys
}
