package cloud

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	monitoring "cloud.google.com/go/monitoring/apiv3/v2"
	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"google.golang.org/api/option"
	metricpb "google.golang.org/genproto/googleapis/api/metric"
	monitoredrespb "google.golang.org/genproto/googleapis/api/monitoredres"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// GCPConfig holds Cloud Monitoring configuration.
type GCPConfig struct {
	ProjectID       string        `json:"project_id" mapstructure:"project_id"`
	CredentialsFile string        `json:"credentials_file,omitempty" mapstructure:"credentials_file"`
	MetricPrefix    string        `json:"metric_prefix" mapstructure:"metric_prefix"`
	FlushInterval   time.Duration `json:"flush_interval" mapstructure:"flush_interval"`
	BatchSize       int           `json:"batch_size" mapstructure:"batch_size"`
	BufferSize      int           `json:"buffer_size" mapstructure:"buffer_size"`
}

// DefaultGCPConfig returns default Cloud Monitoring configuration.
func DefaultGCPConfig() GCPConfig {
	return GCPConfig{
		MetricPrefix:  "custom.googleapis.com/midknight",
		FlushInterval: 60 * time.Second,
		BatchSize:     200,
		BufferSize:    1000,
	}
}

// TimeSeriesWriter sends a batch of time series.
type TimeSeriesWriter interface {
	CreateTimeSeries(ctx context.Context, req *monitoringpb.CreateTimeSeriesRequest) error
	Close() error
}

type metricClient struct {
	client *monitoring.MetricClient
}

func (c *metricClient) CreateTimeSeries(ctx context.Context, req *monitoringpb.CreateTimeSeriesRequest) error {
	return c.client.CreateTimeSeries(ctx, req)
}

func (c *metricClient) Close() error {
	return c.client.Close()
}

// NewMetricClient connects to Cloud Monitoring using the credentials file
// or Application Default Credentials.
func NewMetricClient(ctx context.Context, config GCPConfig) (TimeSeriesWriter, error) {
	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		if _, err := os.Stat(config.CredentialsFile); err != nil {
			return nil, fmt.Errorf("credentials file not found: %s", config.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	client, err := monitoring.NewMetricClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitoring client: %w", err)
	}
	return &metricClient{client: client}, nil
}

// MetricExporter buffers metrics and ships them to Cloud Monitoring in
// batches. Without a writer it runs dry and logs each point at debug level.
type MetricExporter struct {
	config   GCPConfig
	writer   TimeSeriesWriter
	logger   ports.Logger
	metricCh chan *domain.Metric
	stopCh   chan struct{}
	doneCh   chan struct{}
	start    sync.Once
	stop     sync.Once

	mu           sync.RWMutex
	metricsCount int64
	errorsCount  int64
	droppedCount int64
}

// NewMetricExporter creates an exporter. writer may be nil for a dry run.
func NewMetricExporter(config GCPConfig, writer TimeSeriesWriter, logger ports.Logger) (*MetricExporter, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	defaults := DefaultGCPConfig()
	if config.MetricPrefix == "" {
		config.MetricPrefix = defaults.MetricPrefix
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}

	return &MetricExporter{
		config:   config,
		writer:   writer,
		logger:   logger,
		metricCh: make(chan *domain.Metric, config.BufferSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start starts the flush loop.
func (e *MetricExporter) Start(ctx context.Context) {
	e.start.Do(func() {
		go e.flushLoop(ctx)
		e.logger.Info("GCP exporter started", "project", e.config.ProjectID, "dry_run", e.writer == nil)
	})
}

// Stop flushes buffered metrics and waits for the loop to exit.
func (e *MetricExporter) Stop() {
	e.stop.Do(func() { close(e.stopCh) })
	// Never started: nothing to wait for.
	e.start.Do(func() { close(e.doneCh) })
	<-e.doneCh
}

// Export implements ports.MetricExporter. It never blocks.
func (e *MetricExporter) Export(metric *domain.Metric) error {
	select {
	case e.metricCh <- metric:
		return nil
	default:
		e.mu.Lock()
		e.droppedCount++
		e.mu.Unlock()
		return fmt.Errorf("metric buffer full")
	}
}

func (e *MetricExporter) flushLoop(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	var batch []*domain.Metric
	drain := func() {
		for {
			select {
			case m := <-e.metricCh:
				batch = append(batch, m)
			default:
				e.flush(context.Background(), batch)
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-e.stopCh:
			drain()
			return
		case m := <-e.metricCh:
			batch = append(batch, m)
			if len(batch) >= e.config.BatchSize {
				e.flush(ctx, batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

// flush sends metrics in chunks of at most BatchSize.
func (e *MetricExporter) flush(ctx context.Context, metrics []*domain.Metric) {
	for len(metrics) > 0 {
		n := len(metrics)
		if n > e.config.BatchSize {
			n = e.config.BatchSize
		}
		e.send(ctx, metrics[:n])
		metrics = metrics[n:]
	}
}

func (e *MetricExporter) send(ctx context.Context, metrics []*domain.Metric) {
	req := e.request(metrics)

	if e.writer == nil {
		for _, ts := range req.TimeSeries {
			e.logger.Debug("GCP metric (dry-run)",
				"type", ts.Metric.Type,
				"value", ts.Points[0].Value.GetDoubleValue(),
			)
		}
		e.mu.Lock()
		e.metricsCount += int64(len(metrics))
		e.mu.Unlock()
		return
	}

	if err := e.writer.CreateTimeSeries(ctx, req); err != nil {
		e.mu.Lock()
		e.errorsCount++
		e.mu.Unlock()
		e.logger.Error("Failed to send metrics to GCP", "error", err, "count", len(metrics))
		return
	}

	e.mu.Lock()
	e.metricsCount += int64(len(metrics))
	e.mu.Unlock()
	e.logger.Debug("Sent metrics to GCP", "count", len(metrics))
}

var invalidLabelChars = regexp.MustCompile(`[^a-z0-9_]`)

// labelKey maps a tag name to a valid Cloud Monitoring label key.
func labelKey(tag string) string {
	key := invalidLabelChars.ReplaceAllString(strings.ToLower(tag), "_")
	if key == "" || key[0] < 'a' || key[0] > 'z' {
		key = "l_" + key
	}
	return key
}

// latestPerSeries keeps one point per series, the newest. Cloud Monitoring
// rejects a request that writes the same series twice. Order of first
// appearance is preserved.
func latestPerSeries(metrics []*domain.Metric) []*domain.Metric {
	index := make(map[uint64]int, len(metrics))
	out := make([]*domain.Metric, 0, len(metrics))
	for _, m := range metrics {
		hash := m.SeriesHash
		if hash == 0 {
			hash = domain.SeriesHash(m.Name, m.Tags)
		}
		i, seen := index[hash]
		if !seen {
			index[hash] = len(out)
			out = append(out, m)
			continue
		}
		if !m.Timestamp.Before(out[i].Timestamp) {
			out[i] = m
		}
	}
	return out
}

// request converts metrics to a CreateTimeSeries request.
func (e *MetricExporter) request(metrics []*domain.Metric) *monitoringpb.CreateTimeSeriesRequest {
	metrics = latestPerSeries(metrics)
	timeSeries := make([]*monitoringpb.TimeSeries, 0, len(metrics))
	for _, m := range metrics {
		labels := make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			labels[labelKey(k)] = v
		}

		timeSeries = append(timeSeries, &monitoringpb.TimeSeries{
			Metric: &metricpb.Metric{
				Type:   fmt.Sprintf("%s/%s", e.config.MetricPrefix, m.Name),
				Labels: labels,
			},
			Resource: &monitoredrespb.MonitoredResource{
				Type:   "global",
				Labels: map[string]string{"project_id": e.config.ProjectID},
			},
			MetricKind: metricpb.MetricDescriptor_GAUGE,
			ValueType:  metricpb.MetricDescriptor_DOUBLE,
			Points: []*monitoringpb.Point{{
				Interval: &monitoringpb.TimeInterval{EndTime: timestamppb.New(m.Timestamp)},
				Value: &monitoringpb.TypedValue{
					Value: &monitoringpb.TypedValue_DoubleValue{DoubleValue: m.Value},
				},
			}},
		})
	}
	return &monitoringpb.CreateTimeSeriesRequest{
		Name:       fmt.Sprintf("projects/%s", e.config.ProjectID),
		TimeSeries: timeSeries,
	}
}

// Stats returns exporter statistics.
func (e *MetricExporter) Stats() (sent, failed, dropped int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metricsCount, e.errorsCount, e.droppedCount
}

// Close stops the exporter and closes the writer.
func (e *MetricExporter) Close() error {
	e.Stop()
	if e.writer != nil {
		return e.writer.Close()
	}
	return nil
}

var _ ports.MetricExporter = (*MetricExporter)(nil)
