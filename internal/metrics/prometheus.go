package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync node
type Metrics struct {
	// Session metrics
	SessionsStartedTotal   prometheus.CounterVec
	SessionsCompletedTotal prometheus.Counter
	SessionsAbortedTotal   prometheus.CounterVec
	SessionsActive         prometheus.Gauge
	SessionDuration        prometheus.Histogram

	// Transfer metrics
	ChunksSentTotal        prometheus.Counter
	ChunksReceivedTotal    prometheus.Counter
	ChunkRetriesTotal      prometheus.Counter
	ChecksumFailuresTotal  prometheus.Counter
	RecordsSentTotal       prometheus.Counter
	RecordsMergedTotal     prometheus.Counter
	ConflictsRecordedTotal prometheus.Counter
	TransferBytes          prometheus.Histogram
	ChunkApplyDuration     prometheus.Histogram

	// Store metrics
	WritesTotal        prometheus.Counter
	WriteDuration      prometheus.Histogram
	ReadsTotal         prometheus.Counter
	ReadDuration       prometheus.Histogram
	TombstonesTotal    prometheus.Counter
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	RecordsStored      prometheus.Gauge
	WatermarkAdvances  prometheus.Counter

	// Trust metrics
	ChainVerificationsTotal prometheus.CounterVec
	CertificatesIssuedTotal prometheus.Counter
	ScopeDenialsTotal       prometheus.Counter

	// Gossip metrics
	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge
	GossipMessagesTotal  prometheus.CounterVec

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(instanceID string) *Metrics {
	labels := prometheus.Labels{"instance_id": instanceID}

	return &Metrics{
		// Session metrics
		SessionsStartedTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "session",
			Name:        "started_total",
			Help:        "Total number of sync sessions started by role",
			ConstLabels: labels,
		}, []string{"role"}),
		SessionsCompletedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "session",
			Name:        "completed_total",
			Help:        "Total number of sync sessions completed",
			ConstLabels: labels,
		}),
		SessionsAbortedTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "session",
			Name:        "aborted_total",
			Help:        "Total number of sync sessions aborted by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "driftsync",
			Subsystem:   "session",
			Name:        "active",
			Help:        "Number of sync sessions currently running",
			ConstLabels: labels,
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "driftsync",
			Subsystem:   "session",
			Name:        "duration_seconds",
			Help:        "Histogram of sync session durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
		}),

		// Transfer metrics
		ChunksSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "transfer",
			Name:        "chunks_sent_total",
			Help:        "Total number of record chunks sent",
			ConstLabels: labels,
		}),
		ChunksReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "transfer",
			Name:        "chunks_received_total",
			Help:        "Total number of record chunks received",
			ConstLabels: labels,
		}),
		ChunkRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "transfer",
			Name:        "chunk_retries_total",
			Help:        "Total number of chunk retransmissions",
			ConstLabels: labels,
		}),
		ChecksumFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "transfer",
			Name:        "checksum_failures_total",
			Help:        "Total number of chunks rejected for checksum mismatch",
			ConstLabels: labels,
		}),
		RecordsSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "transfer",
			Name:        "records_sent_total",
			Help:        "Total number of records sent to peers",
			ConstLabels: labels,
		}),
		RecordsMergedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "transfer",
			Name:        "records_merged_total",
			Help:        "Total number of records merged from peers",
			ConstLabels: labels,
		}),
		ConflictsRecordedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "transfer",
			Name:        "conflicts_recorded_total",
			Help:        "Total number of conflicting versions retained during merge",
			ConstLabels: labels,
		}),
		TransferBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "driftsync",
			Subsystem:   "transfer",
			Name:        "chunk_bytes",
			Help:        "Histogram of chunk payload sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to 2MB
		}),
		ChunkApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "driftsync",
			Subsystem:   "transfer",
			Name:        "chunk_apply_duration_seconds",
			Help:        "Histogram of chunk merge transaction durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		// Store metrics
		WritesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "store",
			Name:        "writes_total",
			Help:        "Total number of local record writes",
			ConstLabels: labels,
		}),
		WriteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "driftsync",
			Subsystem:   "store",
			Name:        "write_duration_seconds",
			Help:        "Histogram of local write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ReadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "store",
			Name:        "reads_total",
			Help:        "Total number of record reads",
			ConstLabels: labels,
		}),
		ReadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "driftsync",
			Subsystem:   "store",
			Name:        "read_duration_seconds",
			Help:        "Histogram of record read durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		TombstonesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "store",
			Name:        "tombstones_total",
			Help:        "Total number of records tombstoned locally",
			ConstLabels: labels,
		}),
		CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total number of record cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total number of record cache misses",
			ConstLabels: labels,
		}),
		RecordsStored: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "driftsync",
			Subsystem:   "store",
			Name:        "records_stored",
			Help:        "Current number of records in the store",
			ConstLabels: labels,
		}),
		WatermarkAdvances: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "store",
			Name:        "watermark_advances_total",
			Help:        "Total number of max counter watermark advances",
			ConstLabels: labels,
		}),

		// Trust metrics
		ChainVerificationsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "trust",
			Name:        "chain_verifications_total",
			Help:        "Total number of certificate chain verifications by result",
			ConstLabels: labels,
		}, []string{"result"}),
		CertificatesIssuedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "trust",
			Name:        "certificates_issued_total",
			Help:        "Total number of certificates issued by this node",
			ConstLabels: labels,
		}),
		ScopeDenialsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "trust",
			Name:        "scope_denials_total",
			Help:        "Total number of session scope requests denied",
			ConstLabels: labels,
		}),

		// Gossip metrics
		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "driftsync",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),
		GossipMembersHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "driftsync",
			Subsystem:   "gossip",
			Name:        "members_healthy",
			Help:        "Number of healthy gossip members",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "driftsync",
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Total number of gossip messages by type",
			ConstLabels: labels,
		}, []string{"type"}),

		// System metrics
		DiskUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "driftsync",
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Current disk usage in bytes",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "driftsync",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "driftsync",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "driftsync",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordSessionStart records a session start and marks it active
func (m *Metrics) RecordSessionStart(role string) {
	m.SessionsStartedTotal.WithLabelValues(role).Inc()
	m.SessionsActive.Inc()
}

// RecordSessionComplete records a successful session finish
func (m *Metrics) RecordSessionComplete(duration float64) {
	m.SessionsCompletedTotal.Inc()
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration)
}

// RecordSessionAbort records an aborted session by reason
func (m *Metrics) RecordSessionAbort(reason string, duration float64) {
	m.SessionsAbortedTotal.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration)
}

// RecordChunkSent records an outbound chunk
func (m *Metrics) RecordChunkSent(records int, bytes int) {
	m.ChunksSentTotal.Inc()
	m.RecordsSentTotal.Add(float64(records))
	m.TransferBytes.Observe(float64(bytes))
}

// RecordChunkApplied records a durably merged inbound chunk
func (m *Metrics) RecordChunkApplied(records, conflicts int, duration float64) {
	m.ChunksReceivedTotal.Inc()
	m.RecordsMergedTotal.Add(float64(records))
	m.ConflictsRecordedTotal.Add(float64(conflicts))
	m.ChunkApplyDuration.Observe(duration)
}

// RecordWrite records a local write
func (m *Metrics) RecordWrite(duration float64) {
	m.WritesTotal.Inc()
	m.WriteDuration.Observe(duration)
}

// RecordRead records a record read
func (m *Metrics) RecordRead(duration float64) {
	m.ReadsTotal.Inc()
	m.ReadDuration.Observe(duration)
}

// RecordChainVerification records a certificate chain verification outcome
func (m *Metrics) RecordChainVerification(result string) {
	m.ChainVerificationsTotal.WithLabelValues(result).Inc()
}

// UpdateGossipStats updates gossip membership statistics
func (m *Metrics) UpdateGossipStats(totalMembers, healthyMembers int) {
	m.GossipMembersTotal.Set(float64(totalMembers))
	m.GossipMembersHealthy.Set(float64(healthyMembers))
}

// RecordGossipMessage records a gossip message by type
func (m *Metrics) RecordGossipMessage(messageType string) {
	m.GossipMessagesTotal.WithLabelValues(messageType).Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
