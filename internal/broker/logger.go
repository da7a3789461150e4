package broker

import (
	"fmt"
	"log/slog"
	"os"
)

// logAdapter routes asynq's internal logging through slog
type logAdapter struct {
	logger *slog.Logger
}

func newLogAdapter(logger *slog.Logger) *logAdapter {
	return &logAdapter{logger: logger.With(slog.String("component", "asynq"))}
}

func (l *logAdapter) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *logAdapter) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *logAdapter) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *logAdapter) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

// Fatal must not return
func (l *logAdapter) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
