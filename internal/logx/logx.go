package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
)

// Options selects where log lines go. An empty File disables the rotating file.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	Stdout     bool
	Debug      bool
}

var (
	logger       atomic.Pointer[log.Logger]
	debugEnabled atomic.Bool
	rotating     *lumberjack.Logger
)

func init() {
	logger.Store(newLogger(os.Stdout))
}

func newLogger(w io.Writer) *log.Logger {
	return log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// Setup replaces the output of the package logger. It is meant to be called
// once during process startup.
func Setup(opts Options) {
	_ = Close()
	rotating = nil

	var writers []io.Writer
	if opts.File != "" {
		rotating = &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  opts.MaxSizeMB, // megabytes
			MaxAge:   opts.MaxAgeDays,
		}
		writers = append(writers, rotating)
	}
	if opts.Stdout || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	logger.Store(newLogger(io.MultiWriter(writers...)))
	debugEnabled.Store(opts.Debug)
}

// SetOutput points the logger at w, mainly for tests.
func SetOutput(w io.Writer) {
	logger.Store(newLogger(w))
}

// Close flushes and closes the rotating file, if any.
func Close() error {
	if rotating == nil {
		return nil
	}
	return rotating.Close()
}

func write(color, level, category, message string) {
	coloredCategory := fmt.Sprintf("%s[%s][%s]%s", color, level, category, ColorReset)
	logger.Load().Printf("%s: %s", coloredCategory, message)
}

func Info(category string, content ...interface{}) {
	write(ColorGreen, "INFO", category, fmt.Sprint(content...))
}

func Error(category string, content ...interface{}) {
	write(ColorRed, "ERROR", category, fmt.Sprint(content...))
}

func Warn(category string, content ...interface{}) {
	write(ColorYellow, "WARN", category, fmt.Sprint(content...))
}

func Debug(category string, content ...interface{}) {
	if !debugEnabled.Load() {
		return
	}
	write(ColorBlue, "DEBUG", category, fmt.Sprint(content...))
}

func Infof(category, format string, args ...interface{}) {
	write(ColorGreen, "INFO", category, fmt.Sprintf(format, args...))
}

func Warnf(category, format string, args ...interface{}) {
	write(ColorYellow, "WARN", category, fmt.Sprintf(format, args...))
}

func Debugf(category, format string, args ...interface{}) {
	if !debugEnabled.Load() {
		return
	}
	write(ColorBlue, "DEBUG", category, fmt.Sprintf(format, args...))
}

// Errorf logs an error message and returns a formatted error
func Errorf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	Error("ERROR", err.Error())
	return err
}
