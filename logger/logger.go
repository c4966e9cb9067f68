package logger

import (
	"go.uber.org/zap"
)

// Log is a no-op logger until Init is called, so packages can log from tests.
var Log = zap.NewNop().Sugar()

func Init(verbose bool) {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to initialize zap logger: " + err.Error())
	}
	Log = logger.Sugar()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Log.Sync()
}
