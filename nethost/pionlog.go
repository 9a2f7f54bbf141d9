package nethost

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// pionLoggerFactory routes pion's internal logging into zap. Each pion
// scope becomes a named child logger.
type pionLoggerFactory struct {
	logger *zap.Logger
}

// NewPionLoggerFactory returns a pion LoggerFactory writing to l.
func NewPionLoggerFactory(l *zap.Logger) logging.LoggerFactory {
	if l == nil {
		l = zap.NewNop()
	}
	return &pionLoggerFactory{logger: l}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{s: f.logger.Named(scope).Sugar()}
}

// pionLogger maps pion levels onto zap. zap has no trace level, so trace
// goes to debug.
type pionLogger struct {
	s *zap.SugaredLogger
}

func (l *pionLogger) Trace(msg string)                          { l.s.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.s.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.s.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
