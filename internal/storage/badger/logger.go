package badger

import "go.uber.org/zap"

// zapLogger routes badger's internal logs through zap. Badger is chatty at
// info level, so info is demoted to debug.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func newZapLogger(logger *zap.Logger) *zapLogger {
	return &zapLogger{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *zapLogger) Errorf(f string, v ...any)   { l.sugar.Errorf(f, v...) }
func (l *zapLogger) Warningf(f string, v ...any) { l.sugar.Warnf(f, v...) }
func (l *zapLogger) Infof(f string, v ...any)    { l.sugar.Debugf(f, v...) }
func (l *zapLogger) Debugf(f string, v ...any)   { l.sugar.Debugf(f, v...) }
