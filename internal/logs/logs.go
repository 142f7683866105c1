// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logs provides the structured logger shared by every governor
// component.
package logs

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sessionops/governor/internal/version"
)

type StructuredLogger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
	With(args ...any) StructuredLogger
}

type ZapStructuredLogger struct {
	logger *zap.SugaredLogger
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.MessageKey = "message"
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	return cfg
}

// New returns a logger writing JSON lines to file, rotated at 100 MB with
// ten rotations kept. An empty file writes to stderr instead.
func New(file string) *ZapStructuredLogger {
	if file == "" {
		return Default()
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    100,
		MaxBackups: 10,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), sink, zap.InfoLevel)
	sugar := zap.New(core, zap.AddCallerSkip(1)).Sugar().With(
		zap.String("version", version.Version))
	return &ZapStructuredLogger{logger: sugar}
}

func Default() *ZapStructuredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig = encoderConfig()
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return DiscardLogger()
	}
	sugar := logger.Sugar().With(
		zap.String("version", version.Version))
	return &ZapStructuredLogger{logger: sugar}
}

// DiscardLogger swallows all output; used by tests.
func DiscardLogger() *ZapStructuredLogger {
	observedZapCore, _ := observer.New(zap.InfoLevel)
	observedLogger := zap.New(observedZapCore)
	return &ZapStructuredLogger{logger: observedLogger.Sugar()}
}

func (f ZapStructuredLogger) Debugf(format string, v ...any) {
	f.logger.Debugf(format, v...)
}

func (f ZapStructuredLogger) Infof(format string, v ...any) {
	f.logger.Infof(format, v...)
}

func (f ZapStructuredLogger) Warnf(format string, v ...any) {
	f.logger.Warnf(format, v...)
}

func (f ZapStructuredLogger) Errorf(format string, v ...any) {
	f.logger.Errorf(format, v...)
}

// With returns a child logger carrying extra key/value context, typically
// the component name and session id.
func (f ZapStructuredLogger) With(args ...any) StructuredLogger {
	return ZapStructuredLogger{logger: f.logger.With(args...)}
}
