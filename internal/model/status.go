package model

import "time"

// ModelState is the health state of one monitored model.
type ModelState string

const (
	ModelStateUnseen   ModelState = "unseen"
	ModelStateActive   ModelState = "active"
	ModelStateDegraded ModelState = "degraded"
)

// ModelStatus is the per-model aggregate exposed to the dashboard.
//
// LastSeen and UptimeSeconds are legitimately absent (nil) until the monitor
// has the observations needed to compute them. Consumers must nil-check.
type ModelStatus struct {
	ModelName         string     `json:"model_name"`
	State             ModelState `json:"state"`
	RequestCount      int64      `json:"request_count"`
	ErrorCount        int64      `json:"error_count"`
	TotalResponseTime float64    `json:"total_response_time"`
	AvgResponseTime   float64    `json:"avg_response_time"`
	Availability      float64    `json:"availability"`
	RollingErrorRate  float64    `json:"rolling_error_rate"`
	Idle              bool       `json:"idle"`
	LastSeen          *time.Time `json:"last_seen,omitempty"`
	UptimeSeconds     *float64   `json:"uptime_seconds,omitempty"`
}

// HealthStatus summarizes overall availability.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
)

// SystemStatus is the process-wide snapshot returned by the monitor.
// Optional fields are pointers and omitted from JSON when absent.
type SystemStatus struct {
	MonitoringActive bool                   `json:"monitoring_active"`
	Health           HealthStatus           `json:"health_status"`
	TotalRequests    int64                  `json:"total_requests"`
	FailedRequests   int64                  `json:"failed_requests"`
	Availability     float64                `json:"availability"`
	AvgResponseTime  float64                `json:"avg_response_time"`
	ActiveModels     int                    `json:"active_models"`
	DegradedModels   int                    `json:"degraded_models"`
	UptimeSeconds    *float64               `json:"uptime_seconds,omitempty"`
	MemoryPercent    *float64               `json:"current_memory_usage,omitempty"`
	LastError        *time.Time             `json:"last_error,omitempty"`
	LastSample       *SystemSample          `json:"last_sample,omitempty"`
	Models           map[string]ModelStatus `json:"models"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

// Uptime returns the uptime and whether it is available. Absence is a normal
// state meaning no baseline sample has been taken yet.
func (s SystemStatus) Uptime() (time.Duration, bool) {
	if s.UptimeSeconds == nil {
		return 0, false
	}
	return time.Duration(*s.UptimeSeconds * float64(time.Second)), true
}

// SystemSample is one host resource reading. GPU fields are nil when no GPU
// probe is configured or the probe found no device.
type SystemSample struct {
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryPercent    float64   `json:"memory_percent"`
	DiskPercent      float64   `json:"disk_percent"`
	GPUUtilization   *float64  `json:"gpu_utilization,omitempty"`
	GPUMemoryPercent *float64  `json:"gpu_memory_percent,omitempty"`
	NetBytesSent     uint64    `json:"net_bytes_sent"`
	NetBytesRecv     uint64    `json:"net_bytes_recv"`
	SampledAt        time.Time `json:"sampled_at"`
}
