package pkg

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelErrOnly
	LogLevelDebug
)

var (
	log_atom = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	logger   = newLogger()
)

func newLogger() *zap.SugaredLogger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		log_atom,
	)
	return zap.New(core).Sugar()
}

func SetLogLevel(level LogLevel) {
	switch level {
	case LogLevelNone:
		// one past fatal; nothing gets through
		log_atom.SetLevel(zapcore.FatalLevel + 1)
	case LogLevelErrOnly:
		log_atom.SetLevel(zapcore.ErrorLevel)
	case LogLevelDebug:
		log_atom.SetLevel(zapcore.DebugLevel)
	}
}

var (
	InfoLog  = logger.Info
	ErrorLog = logger.Error
	FatalLog = logger.Fatal
	WarnLog  = logger.Warn
	DebugLog = logger.Debug
)
