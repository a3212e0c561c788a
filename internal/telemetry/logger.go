// Package telemetry provides structured logging and OpenTelemetry wiring
// shared by the orchestrator and worker processes.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/itsneelabh/gomind/core"
)

// Logger is a self-contained structured logger following core.Logger /
// core.ComponentAwareLogger: JSON in Kubernetes, text locally, a rate
// limiter on the error path, and a per-component wrapper. It carries no
// dependency on an external logging library; see DESIGN.md entry
// ambient-logging.
type Logger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	errorLimiter *rateLimiter
}

var (
	singleton     *Logger
	singletonOnce sync.Once
)

// New returns the process-wide logger, creating it on first use.
// Configuration priority: environment variables, then Kubernetes
// auto-detection, then defaults — matching core/config.go's layering.
func New(serviceName string) *Logger {
	singletonOnce.Do(func() {
		singleton = newLogger(serviceName)
	})
	return singleton
}

func newLogger(serviceName string) *Logger {
	level := os.Getenv("WAITLIST_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	debug := os.Getenv("WAITLIST_DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("WAITLIST_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &Logger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		errorLimiter: newRateLimiter(time.Second),
	}
}

// WithComponent returns a logger tagged with component, sharing the parent's
// output/level/format (core.ComponentAwareLogger).
func (l *Logger) WithComponent(component string) core.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:        l.level,
		debug:        l.debug,
		serviceName:  l.serviceName,
		component:    component,
		format:       l.format,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
}

func (l *Logger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *Logger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, withTraceFields(ctx, fields))
}
func (l *Logger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, withTraceFields(ctx, fields))
}
func (l *Logger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, withTraceFields(ctx, fields))
}
func (l *Logger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, withTraceFields(ctx, fields))
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		out := make(map[string]interface{}, len(fields)+1)
		for k, v := range fields {
			out[k] = v
		}
		out["trace_id"] = traceID
		return out
	}
	return fields
}

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}
	timestamp := time.Now().Format(time.RFC3339)

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *Logger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if k == "timestamp" || k == "level" || k == "service" || k == "component" || k == "message" {
			continue
		}
		entry[k] = v
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *Logger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	comp := l.component
	if comp == "" {
		comp = l.serviceName
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, comp, msg, b.String())
}

func (l *Logger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	current, ok1 := levels[l.level]
	want, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return want >= current
}

// SetOutput redirects log output; used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

var _ core.ComponentAwareLogger = (*Logger)(nil)
