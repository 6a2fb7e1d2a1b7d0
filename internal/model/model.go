// Package model holds the data-model types persisted by the Store and
// passed between components of the Application Lifecycle Core.
package model

import (
	"time"

	"edgeruntime/internal/enum"
)

// Application is the durable record of a deployed app (spec.md §3).
type Application struct {
	AppID         string          `json:"app_id"`
	Name          string          `json:"name"`
	Type          enum.AppType    `json:"type"`
	Version       string          `json:"version"`
	Status        enum.AppStatus  `json:"status"`
	RestartPolicy enum.RestartPolicy `json:"restart_policy"`
	AutoStart     bool            `json:"auto_start"`
	Manifest      string          `json:"manifest"`
	ContainerID   string          `json:"container_id,omitempty"`
	Source        string          `json:"source"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RuntimeState tracks the Supervisor's in-memory state as last flushed to
// storage: restart counters, timestamps, and last error observed.
type RuntimeState struct {
	AppID          string    `json:"app_id"`
	State          enum.LifecycleState `json:"state"`
	RestartCount   int       `json:"restart_count"`
	LastExitCode   *int      `json:"last_exit_code,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	NextRestartAt  *time.Time `json:"next_restart_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LogLine is a single captured line of application output.
type LogLine struct {
	ID        int64            `json:"id"`
	AppID     string           `json:"app_id"`
	Stream    enum.StreamKind  `json:"stream"`
	Line      string           `json:"line"`
	Timestamp time.Time        `json:"timestamp"`
}

// Dependency is a precheck requirement declared by an app's manifest.
type Dependency struct {
	ID     int64              `json:"id"`
	AppID  string             `json:"app_id"`
	Kind   enum.DependencyKind `json:"kind"`
	Target string             `json:"target"`
	Satisfied bool            `json:"satisfied"`
}

// VehicleCredential is a per-vehicle secret managed by the Credential Vault.
type VehicleCredential struct {
	VehicleID    string    `json:"vehicle_id"`
	Kind         string    `json:"kind"`
	CipherText   string    `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RefreshedAt  time.Time `json:"refreshed_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// SignalSubscription tracks an app's interest in a vehicle signal path so
// the Signal Gateway can route broker updates back to the right app.
type SignalSubscription struct {
	AppID string `json:"app_id"`
	Path  string `json:"path"`
}

// ResourceSample is one periodic reading taken by the Resource Monitor for
// a running application's container.
type ResourceSample struct {
	AppID           string    `json:"app_id"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryBytes     uint64    `json:"memory_bytes"`
	MemoryLimit     uint64    `json:"memory_limit_bytes"`
	MemoryPercent   float64   `json:"memory_percent"`
	NetworkRxBytes  uint64    `json:"network_rx_bytes"`
	NetworkTxBytes  uint64    `json:"network_tx_bytes"`
	DiskUsageBytes  uint64    `json:"disk_usage_bytes"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// ThresholdBreach is an alarm raised by the Resource Monitor when a sample
// crosses a configured limit.
type ThresholdBreach struct {
	AppID     string             `json:"app_id"`
	Metric    string             `json:"metric"`
	Severity  enum.AlarmSeverity `json:"severity"`
	Value     float64            `json:"value"`
	Threshold float64            `json:"threshold"`
	Timestamp time.Time          `json:"timestamp"`
}
