package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05"

// Config holds logger configuration.
type Config struct {
	Level  string    // debug, info, warn, error
	File   string    // log file, empty for console only
	Output io.Writer // console output, os.Stderr when nil
}

// Logger writes to the console and, if configured, to a rotated log file.
type Logger struct {
	*logrus.Logger

	file *lumberjack.Logger
}

func New(cfg Config) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{Logger: log}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
		}
		out = io.MultiWriter(out, l.file)
	}
	log.SetOutput(out)

	return l
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
