// Package logging is a small leveled-logging wrapper around log/slog,
// used the same way throughout this repo as printf-style Debugf/Infof/
// Warnf/Errorf calls. Rotation is delegated to lumberjack; this package
// never decides where logs live, only how they're leveled and formatted.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Store(l)
}

// FileConfig describes rotation settings for file-backed logging.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Configure points the package logger at a rotated file (in addition to,
// or instead of, stderr) and sets the minimum level.
func Configure(level slog.Level, file *FileConfig) {
	var w io.Writer = os.Stderr
	if file != nil && file.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   file.Compress,
		}
		w = io.MultiWriter(os.Stderr, lj)
	}
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	logger.Store(l)
}

func get() *slog.Logger { return logger.Load() }

func Debugf(format string, args ...any) { get().Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { get().Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { get().Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { get().Error(fmt.Sprintf(format, args...)) }

// With returns a component-scoped logger exposing the same printf-style
// methods, with the given attributes attached to every line.
func With(args ...any) *Scoped {
	return &Scoped{l: get().With(args...)}
}

// Scoped is a component-scoped logger returned by With.
type Scoped struct{ l *slog.Logger }

func (s *Scoped) Debugf(format string, args ...any) { s.l.Debug(fmt.Sprintf(format, args...)) }
func (s *Scoped) Infof(format string, args ...any)  { s.l.Info(fmt.Sprintf(format, args...)) }
func (s *Scoped) Warnf(format string, args ...any)  { s.l.Warn(fmt.Sprintf(format, args...)) }
func (s *Scoped) Errorf(format string, args ...any) { s.l.Error(fmt.Sprintf(format, args...)) }
