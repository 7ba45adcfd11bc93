package domain

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MetricType represents the type of metric being recorded.
type MetricType string

// MetricTypeGauge is the only kind the exporter writes.
const MetricTypeGauge MetricType = "gauge"

// Metric is a single exported data point.
type Metric struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Type       MetricType        `json:"type"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Tags       map[string]string `json:"tags"`
	SeriesHash uint64            `json:"series_hash"`
}

// NewMetric creates a metric with a time-ordered ID and its series hash.
func NewMetric(name string, metricType MetricType, value float64, tags map[string]string) *Metric {
	m := &Metric{
		ID:        uuid.Must(uuid.NewV7()),
		Name:      name,
		Type:      metricType,
		Value:     value,
		Timestamp: time.Now(),
		Tags:      tags,
	}
	m.SeriesHash = SeriesHash(name, tags)
	return m
}

// SeriesHash is an FNV-1a hash of the metric name and its sorted tags. Two
// points with the same hash belong to the same time series.
func SeriesHash(name string, tags map[string]string) uint64 {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	h.Write([]byte(name))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(tags[k]))
	}
	return h.Sum64()
}

// RequestInfo describes a command execution about to start.
type RequestInfo struct {
	Command  string
	Plugin   string
	SenderID string
	ChatID   string
	IsGroup  bool
	ArgCount int
}

// RequestRecord is returned by RequestStart and handed back to RequestEnd.
type RequestRecord struct {
	CorrelationID string
	Command       string
	Plugin        string
	User          string
	ChatType      string
	StartedAt     time.Time
}

// CommandCount is one row of the top-commands table.
type CommandCount struct {
	Command string `json:"command"`
	Count   int64  `json:"count"`
}

// RequestMetrics is a snapshot of command execution counters.
type RequestMetrics struct {
	Total           int64          `json:"total"`
	Successful      int64          `json:"successful"`
	Failed          int64          `json:"failed"`
	SuccessRate     float64        `json:"success_rate"`
	AvgResponseTime time.Duration  `json:"avg_response_time"`
	TopCommands     []CommandCount `json:"top_commands"`
	UniqueUsers     int            `json:"unique_users"`
}

// RateDecision is the outcome of one rate limiter check.
type RateDecision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	Limit      int
}

// RateLimitInfo reports a principal's bucket without consuming from it.
type RateLimitInfo struct {
	Remaining int           `json:"remaining"`
	Limit     int           `json:"limit"`
	ResetIn   time.Duration `json:"reset_in"`
}

// LimiterStats summarises the limiter state.
type LimiterStats struct {
	ActiveBuckets int           `json:"active_buckets"`
	MaxRequests   int           `json:"max_requests"`
	Window        time.Duration `json:"window"`
	ExemptOwners  bool          `json:"exempt_owners"`
}
