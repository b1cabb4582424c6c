// Package logger is a small leveled wrapper over the standard log
// package.
package logger

import (
	"log"
	"os"
	"strings"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var levels = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

type leveled struct {
	logger *log.Logger
	level  int
}

// New returns a logger that drops messages below level.
func New(level string) Logger {
	lv, ok := levels[strings.ToLower(level)]
	if !ok {
		lv = levels["info"]
	}
	return &leveled{
		logger: log.New(os.Stderr, "", log.LstdFlags),
		level:  lv,
	}
}

func (l *leveled) logf(lv int, tag, msg string, args ...any) {
	if lv < l.level {
		return
	}
	l.logger.Printf(tag+" "+msg, args...)
}

func (l *leveled) Debug(msg string, args ...any) { l.logf(0, "[DEBUG]", msg, args...) }
func (l *leveled) Info(msg string, args ...any)  { l.logf(1, "[INFO]", msg, args...) }
func (l *leveled) Warn(msg string, args ...any)  { l.logf(2, "[WARN]", msg, args...) }
func (l *leveled) Error(msg string, args ...any) { l.logf(3, "[ERROR]", msg, args...) }

// Nop discards everything; handy in tests.
func Nop() Logger {
	return &leveled{logger: log.New(nopWriter{}, "", 0), level: levels["error"] + 1}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
