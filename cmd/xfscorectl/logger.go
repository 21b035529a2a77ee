package main

import (
	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"

	"github.com/blocklayer/xfscore/pkg/logx"
)

// cliLogger binds pkg/logx.Logger to logrus the way pkg/elog.CLI bound
// the teacher's own Logger interface: Debugf is gated on -d/--debug,
// Infof on -v/--verbose, Warnf/Errorf always fire.
type cliLogger struct {
	debug   bool
	verbose bool
}

func newCLILogger(debug, verbose bool) *cliLogger {
	logrus.SetOutput(colorable.NewColorableStdout())
	logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true})
	logrus.SetLevel(logrus.TraceLevel)
	return &cliLogger{debug: debug, verbose: verbose}
}

func (l *cliLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		logrus.Tracef(format, args...)
	}
}

func (l *cliLogger) Infof(format string, args ...interface{}) {
	if l.verbose || l.debug {
		logrus.Infof(format, args...)
	}
}

func (l *cliLogger) Warnf(format string, args ...interface{}) {
	logrus.Warn(color.YellowString(format, args...))
}

func (l *cliLogger) Errorf(format string, args ...interface{}) {
	logrus.Error(color.RedString(format, args...))
}

var _ logx.Logger = (*cliLogger)(nil)
