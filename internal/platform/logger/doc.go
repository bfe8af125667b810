// Package logger provides structured logging functionality for the application.
//
// It uses the standard library log/slog package to emit JSON records at a
// configurable level, and ships a small capture buffer for tests that need to
// assert on log output.
package logger
