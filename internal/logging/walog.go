package logging

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// waLogger routes whatsmeow's printf-style logs into zap.
type waLogger struct {
	l *zap.Logger
}

// WhatsmeowLogger adapts a zap logger to whatsmeow's waLog.Logger interface.
func WhatsmeowLogger(l *zap.Logger, module string) waLog.Logger {
	return &waLogger{l: l.Named(module)}
}

func (w *waLogger) Warnf(msg string, args ...any)  { w.l.Warn(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Errorf(msg string, args ...any) { w.l.Error(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Infof(msg string, args ...any)  { w.l.Info(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Debugf(msg string, args ...any) { w.l.Debug(fmt.Sprintf(msg, args...)) }

func (w *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{l: w.l.Named(module)}
}
