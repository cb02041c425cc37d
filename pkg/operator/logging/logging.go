/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"knative.dev/pkg/logging"
)

// NewLogger builds the process logger. format is "json" or "text"; level is a
// zap level name ("debug", "info", ...). Unknown values fall back to info/json.
func NewLogger(level string, format string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(format, "text") {
		cfg.Encoding = "console"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("building logger, %s", err))
	}
	return logger.Sugar()
}

// WithLogger injects the logger into the context for retrieval with FromContext.
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return logging.WithLogger(ctx, logger)
}

// FromContext retrieves the context logger; falls back to a no-op logger.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	return logging.FromContext(ctx)
}
