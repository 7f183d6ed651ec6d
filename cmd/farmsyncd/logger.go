package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// sugared adapts a zap logger to the key/value Logger the packages accept.
type sugared struct {
	s *zap.SugaredLogger
}

func (l sugared) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l sugared) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l sugared) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l sugared) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
