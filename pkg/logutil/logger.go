package logutil

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

// Severity ranks understood by the log-level setting. A record prints when
// the configured level is at least its rank.
const (
	LevelNone   = 0
	LevelInfo   = 1
	LevelWarn   = 2
	LevelError  = 3
	LevelDetail = 4
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

type Options struct {
	Level int
	// File, when set, receives every emitted record as well.
	File  string
	Out   zapcore.WriteSyncer
	Color bool
	Zap   []zap.Option
}

// InitLogger installs the process logger writing to stdout and, if file is
// not empty, appending to file.
func InitLogger(level int, file string) error {
	l, err := Build(Options{
		Level: level,
		File:  file,
		Out:   zapcore.Lock(os.Stdout),
		Color: colorEnabled(os.Stdout),
	})
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// Build assembles a logger from opts without installing it.
func Build(opts Options) (*zap.Logger, error) {
	enabler := Enabler(opts.Level)

	out := opts.Out
	if out == nil {
		out = zapcore.Lock(os.Stdout)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(opts.Color)), out, enabler),
	}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(false)), zapcore.AddSync(f), enabler))
	}

	zopts := append([]zap.Option{zap.AddCaller()}, opts.Zap...)
	return zap.New(zapcore.NewTee(cores...), zopts...), nil
}

// Enabler maps zap levels onto the rank scale. Panic and fatal records are
// always enabled.
func Enabler(threshold int) zap.LevelEnablerFunc {
	return func(l zapcore.Level) bool {
		if l >= zapcore.PanicLevel {
			return true
		}
		return threshold > LevelNone && threshold >= Rank(l)
	}
}

func Rank(l zapcore.Level) int {
	switch {
	case l < zapcore.InfoLevel:
		return LevelDetail
	case l == zapcore.InfoLevel:
		return LevelInfo
	case l == zapcore.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}

const (
	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[31m"
	colorYellow = "\x1b[33m"
	colorGreen  = "\x1b[32m"
	colorCyan   = "\x1b[36m"
)

func levelName(l zapcore.Level) (string, string) {
	switch {
	case l < zapcore.InfoLevel:
		return "DETAIL", colorCyan
	case l == zapcore.InfoLevel:
		return "INFO", colorGreen
	case l == zapcore.WarnLevel:
		return "WARN", colorYellow
	case l == zapcore.ErrorLevel:
		return "ERROR", colorRed
	default:
		return "FATAL", colorRed
	}
}

func encoderConfig(color bool) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey: "msg",
		LevelKey:   "level",
		CallerKey:  "caller",
		EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			name, c := levelName(l)
			if color {
				enc.AppendString(c + "[" + name + "]:" + colorReset)
				return
			}
			enc.AppendString("[" + name + "]:")
		},
		EncodeCaller: func(c zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + c.TrimmedPath() + "]")
		},
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
}

func colorEnabled(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
