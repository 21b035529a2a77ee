// Package logx defines the logging contract consumed by the core
// engine packages. No engine package imports logrus directly; only
// the command layer binds a concrete Logger.
package logx

// Logger is the minimal surface the engine needs. It mirrors the split
// between elog.Logger and elog.CLI: core code depends on this
// interface, and the CLI is responsible for constructing a concrete
// implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Discard is a Logger that drops everything. Used as the zero-value
// default so packages never need a nil check before logging.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(string, ...interface{}) {}
func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}
