package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionFactory routes pion's scoped loggers into zap
type PionFactory struct {
	base *zap.Logger
}

// NewPionFactory returns a logging.LoggerFactory backed by l
func NewPionFactory(l *zap.Logger) *PionFactory {
	if l == nil {
		l = zap.NewNop()
	}
	return &PionFactory{base: l}
}

// NewLogger implements logging.LoggerFactory
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	// pion's trace output is far noisier than anything else we log, keep it at debug
	return &pionLogger{log: f.base.Named("pion").With(zap.String("scope", scope)).Sugar()}
}

type pionLogger struct {
	log *zap.SugaredLogger
}

func (l *pionLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
