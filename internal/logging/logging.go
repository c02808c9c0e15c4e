// Package logging provides the dispatch server's zap configuration:
// a production config with a UTC time encoder and a package-level
// default, plus a constructor so components that take a logger as a
// dependency (Manager, in particular) can be handed a *zap.Logger
// directly in tests.
package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide default, initialized by Init. CLI
// binaries that never call Init (e.g. short-lived test helpers) fall
// back to zap.NewNop() so a nil logger is never dereferenced.
var Logger = zap.NewNop()

// Init builds the production logger configuration and installs it as
// the package default, returning it for callers that want to hold
// their own reference instead of using the package-level Logger.
func Init() (*zap.Logger, error) {
	location, err := time.LoadLocation("UTC")
	if err != nil {
		location = time.UTC
	}

	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.In(location).Format(time.RFC3339))
	}
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	Logger = logger
	return logger, nil
}
