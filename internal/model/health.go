package model

// NodeHealth is the state a node advertises to its peers over gossip.
type NodeHealth struct {
	InstanceID string     `json:"instance_id"`
	SyncAddr   string     `json:"sync_addr"`
	Status     NodeStatus `json:"status"`
	Timestamp  int64      `json:"timestamp"`
	Metrics    HealthMetrics `json:"metrics"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains various health metrics
type HealthMetrics struct {
	ActiveSessions  int     `json:"active_sessions"`
	SessionErrorRate float64 `json:"session_error_rate"`
	RecordsStored   int64   `json:"records_stored"`
	PendingBuffered int64   `json:"pending_buffered"`
}
