// Package logger defines the verbosity levels used with glog.V() throughout
// the DHT core. It mirrors the leveled-logging idiom of glog itself but keeps
// the level vocabulary centralized so packages don't invent their own scales.
package logger

import "github.com/theseus-dht/theseus/logger/glog"

// Verbosity levels, lowest (always shown) to highest (chattiest).
const (
	Silent glog.Level = iota
	Error
	Warn
	Info
	Debug
	Detail
	Ridiculousness
)

// Setup points glog at stderr with the given verbosity and returns once
// configured. It is meant to be called once, early, from cmd/theseus.
func Setup(verbosity glog.Level) {
	glog.SetToStderr(true)
	glog.SetV(int(verbosity))
}
