package logger

import (
	"go.uber.org/zap"
)

// Logger backed by zap.
type Zap struct {
	sugar *zap.SugaredLogger
}

// Wraps a zap logger.
func NewZap(l *zap.Logger) Logger {
	return &Zap{sugar: l.Sugar()}
}

func (z *Zap) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }
func (z *Zap) Warn(msg string, args ...any)  { z.sugar.Warnw(msg, args...) }
func (z *Zap) Info(msg string, args ...any)  { z.sugar.Infow(msg, args...) }
