// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package logger provides the process-wide structured logger shared by
// the saga executor, the recovery service, and embedding applications.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects how the global logger is built.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to
	// "info".
	Level string
	// Development switches to the human-readable console encoder with
	// stacktraces on warnings. Production JSON output otherwise.
	Development bool
}

var (
	// Logger is the global logger for the saga core.
	Logger *zap.Logger
	// mu protects Logger from concurrent access
	mu sync.RWMutex
	// initialized tracks whether the logger has been built
	initialized bool
)

// InitLogger initializes the global logger with production defaults.
// Safe to call concurrently; only the first call builds the logger.
func InitLogger() error {
	return InitLoggerWithOptions(Options{})
}

// InitLoggerWithOptions initializes the global logger from opts.
func InitLoggerWithOptions(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if initialized && Logger != nil {
		return nil
	}

	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return fmt.Errorf("logger: invalid level %q: %w", opts.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	built, err := cfg.Build(zap.Fields(zap.String("service", "sagaflow")))
	if err != nil {
		return fmt.Errorf("logger: build: %w", err)
	}
	Logger = built
	initialized = true
	return nil
}

// GetLogger returns the global logger, initializing it with production
// defaults if necessary.
func GetLogger() *zap.Logger {
	mu.RLock()
	if initialized && Logger != nil {
		defer mu.RUnlock()
		return Logger
	}
	mu.RUnlock()

	if err := InitLogger(); err != nil {
		// Production defaults only fail when stderr is unusable; a
		// no-op logger keeps callers running.
		return zap.NewNop()
	}

	mu.RLock()
	defer mu.RUnlock()
	return Logger
}

// GetSugaredLogger returns a sugared variant of the global logger.
func GetSugaredLogger() *zap.SugaredLogger {
	return GetLogger().Sugar()
}

// ResetLogger resets the logger so tests can rebuild it with different
// options.
func ResetLogger() {
	mu.Lock()
	defer mu.Unlock()

	if Logger != nil {
		Logger.Sync() // Flush any pending log entries
	}
	Logger = nil
	initialized = false
}
