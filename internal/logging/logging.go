// Package logging builds the process logger. Two modes: shipping (json,
// info) for normal operation and debug (console, debug) for development.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Observability modes.
const (
	ModeShipping = "shipping"
	ModeDebug    = "debug"
)

// New constructs the root logger for the given observability mode.
// Components derive named children from it.
func New(mode string) (*zap.Logger, error) {
	switch mode {
	case ModeShipping, "":
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		cfg.DisableStacktrace = true
		return cfg.Build()
	case ModeDebug:
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	default:
		return nil, fmt.Errorf("unknown observability mode %q", mode)
	}
}
