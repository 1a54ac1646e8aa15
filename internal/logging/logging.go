// Package logging is the structured logger every component takes. The
// implementations are backed by zap.
package logging

import (
	"sync"
	"time"
)

// Field is one key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

func String(key, val string) Field                 { return Field{key, val} }
func Bool(key string, val bool) Field              { return Field{key, val} }
func Int(key string, val int) Field                { return Field{key, val} }
func Int64(key string, val int64) Field            { return Field{key, val} }
func Float64(key string, val float64) Field        { return Field{key, val} }
func Duration(key string, val time.Duration) Field { return Field{key, val} }
func Any(key string, val any) Field                { return Field{key, val} }

// Error attaches err under "error". A nil error is dropped.
func Error(err error) Field { return Field{"error", err} }

type Logger interface {
	// Named appends a component name, dot separated.
	Named(name string) Logger
	With(fields ...Field) Logger

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

var (
	globalMu sync.RWMutex
	global   = NewConsole()
)

// L returns the process logger. Until ReplaceGlobal is called it is the
// console logger at info level.
func L() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// ReplaceGlobal installs l as the process logger. nil is ignored.
func ReplaceGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// OrGlobal returns l, or L() when l is nil. Constructors use it so that a
// nil logger argument is valid.
func OrGlobal(l Logger) Logger {
	if l == nil {
		return L()
	}
	return l
}
