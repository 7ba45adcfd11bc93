package services

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

const topCommandsLimit = 10

// RequestLoggerConfig configures command telemetry.
type RequestLoggerConfig struct {
	// SlowThreshold is the duration above which a command is logged as slow.
	SlowThreshold time.Duration
	// Exporter receives one duration metric per finished command. Optional.
	Exporter ports.MetricExporter
	Now      func() time.Time
}

// DefaultRequestLoggerConfig returns the default configuration.
func DefaultRequestLoggerConfig() RequestLoggerConfig {
	return RequestLoggerConfig{SlowThreshold: 5 * time.Second}
}

// RequestLogger logs command executions with a correlation ID and keeps
// in-memory request counters.
type RequestLogger struct {
	logger   ports.Logger
	exporter ports.MetricExporter
	slow     time.Duration
	now      func() time.Time

	mu            sync.Mutex
	total         int64
	successful    int64
	failed        int64
	avgResponseMs float64
	commandCounts map[string]int64
	userCounts    map[string]int64
}

// NewRequestLogger creates a request logger.
func NewRequestLogger(cfg RequestLoggerConfig, logger ports.Logger) *RequestLogger {
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultRequestLoggerConfig().SlowThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RequestLogger{
		logger:        logger,
		exporter:      cfg.Exporter,
		slow:          cfg.SlowThreshold,
		now:           cfg.Now,
		commandCounts: make(map[string]int64),
		userCounts:    make(map[string]int64),
	}
}

// HashUser returns a short stable hash of a sender identity for logs.
func HashUser(id string) string {
	if id == "" {
		return "unknown"
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:12]
}

// RequestStart records the start of a command execution.
func (l *RequestLogger) RequestStart(info domain.RequestInfo) *domain.RequestRecord {
	rec := &domain.RequestRecord{
		CorrelationID: uuid.NewString(),
		Command:       info.Command,
		Plugin:        info.Plugin,
		User:          HashUser(info.SenderID),
		ChatType:      chatType(info.IsGroup),
		StartedAt:     l.now(),
	}

	l.mu.Lock()
	l.total++
	l.commandCounts[rec.Command]++
	l.userCounts[rec.User]++
	l.mu.Unlock()

	l.logger.Info("Command: "+rec.Command,
		"correlation_id", rec.CorrelationID,
		"command", rec.Command,
		"plugin", rec.Plugin,
		"user", rec.User,
		"chat_type", rec.ChatType,
		"args_count", info.ArgCount,
	)
	return rec
}

// RequestEnd records the outcome of an execution started by RequestStart.
func (l *RequestLogger) RequestEnd(rec *domain.RequestRecord, err error) {
	if rec == nil {
		return
	}
	duration := l.now().Sub(rec.StartedAt)
	success := err == nil

	l.mu.Lock()
	if success {
		l.successful++
	} else {
		l.failed++
	}
	completed := float64(l.successful + l.failed)
	l.avgResponseMs = (l.avgResponseMs*(completed-1) + float64(duration.Milliseconds())) / completed
	l.mu.Unlock()

	fields := []interface{}{
		"correlation_id", rec.CorrelationID,
		"command", rec.Command,
		"user", rec.User,
		"duration", duration,
		"success", success,
	}
	if success {
		l.logger.Info("Command completed: "+rec.Command, fields...)
	} else {
		l.logger.Error("Command failed: "+rec.Command, append(fields, "error", err)...)
	}

	if duration > l.slow {
		l.logger.Warn("Slow command detected: "+rec.Command,
			"correlation_id", rec.CorrelationID,
			"command", rec.Command,
			"duration", duration,
			"threshold", l.slow,
		)
	}

	l.export(rec, duration, success)
}

func (l *RequestLogger) export(rec *domain.RequestRecord, duration time.Duration, success bool) {
	if l.exporter == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	m := domain.NewMetric("command/duration_ms", domain.MetricTypeGauge, float64(duration.Milliseconds()), map[string]string{
		"command":   rec.Command,
		"plugin":    rec.Plugin,
		"chat_type": rec.ChatType,
		"status":    status,
	})
	if err := l.exporter.Export(m); err != nil {
		l.logger.Debug("Failed to export command metric", "error", err)
	}
}

// SystemEvent logs a lifecycle event such as startup or a plugin reload.
func (l *RequestLogger) SystemEvent(event string, args ...interface{}) {
	l.logger.Info("System: "+event, append([]interface{}{"event", event}, args...)...)
}

// Metrics returns a snapshot of the request counters.
func (l *RequestLogger) Metrics() domain.RequestMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := domain.RequestMetrics{
		Total:           l.total,
		Successful:      l.successful,
		Failed:          l.failed,
		AvgResponseTime: time.Duration(l.avgResponseMs+0.5) * time.Millisecond,
		UniqueUsers:     len(l.userCounts),
	}
	if l.total > 0 {
		m.SuccessRate = float64(l.successful) / float64(l.total) * 100
	}

	top := make([]domain.CommandCount, 0, len(l.commandCounts))
	for cmd, n := range l.commandCounts {
		top = append(top, domain.CommandCount{Command: cmd, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Command < top[j].Command
	})
	if len(top) > topCommandsLimit {
		top = top[:topCommandsLimit]
	}
	m.TopCommands = top
	return m
}

// Reset clears every counter.
func (l *RequestLogger) Reset() {
	l.mu.Lock()
	l.total, l.successful, l.failed = 0, 0, 0
	l.avgResponseMs = 0
	l.commandCounts = make(map[string]int64)
	l.userCounts = make(map[string]int64)
	l.mu.Unlock()
}

func chatType(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "dm"
}

var _ ports.Telemetry = (*RequestLogger)(nil)
