package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var root = zap.Must(zap.NewProduction())

// Init replaces the process-wide root logger. Level is one of
// debug, info, warn, error; anything else means info.
func Init(level string, development bool) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	root = zap.Must(cfg.Build())
}

// New returns a named logger for a subsystem, e.g. logging.New("nwc").
func New(subsystem string) *zap.SugaredLogger {
	return root.Named(subsystem).Sugar()
}

// Wallet returns a logger scoped to a single wallet. All wallet-contact
// errors are logged through one of these so the wallet identity is always
// attached.
func Wallet(subsystem string, walletID int64) *zap.SugaredLogger {
	return New(subsystem).With("wallet_id", walletID)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	_ = root.Sync()
}
