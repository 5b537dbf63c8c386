// Package monitoring carries the library's diagnostic logging hook.
// Decoders report batch summaries through Logf so that embedding
// applications can route them into their own logging, and tests can mute
// them entirely.
package monitoring

import "log"

// Logf is the package-level diagnostic logger, defaulting to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
