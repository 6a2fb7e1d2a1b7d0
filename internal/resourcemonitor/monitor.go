// Package resourcemonitor implements the Resource Monitor (C10): periodic
// per-app container resource sampling, bounded in-memory history, and
// threshold_breach alarms fanned out over pub/sub.
package resourcemonitor

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"edgeruntime/internal/container"
	"edgeruntime/internal/enum"
	"edgeruntime/internal/logger"
	"edgeruntime/internal/model"
	"edgeruntime/internal/pubsub"
	"edgeruntime/internal/store"
)

const (
	// DefaultInterval is how often every running app's container is sampled.
	DefaultInterval = 30 * time.Second

	ringCapacity = 1000

	cpuWarnPercent  = 80.0
	cpuCritPercent  = 90.0
	memWarnPercent  = 80.0
	memCritPercent  = 90.0
	diskWarnBytes   = 1 << 30        // 1 GiB
	netWarnBytes    = 100 << 20      // 100 MiB
)

var (
	cpuGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "edgeruntime",
		Subsystem: "app",
		Name:      "cpu_percent",
		Help:      "Most recent CPU percent sampled for an application's container.",
	}, []string{"app_id"})

	memGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "edgeruntime",
		Subsystem: "app",
		Name:      "memory_percent",
		Help:      "Most recent memory percent sampled for an application's container.",
	}, []string{"app_id"})
)

// Monitor periodically samples every running application's container via
// the Container Driver, keeps a bounded ring of ResourceSamples per app,
// and raises threshold_breach alarms when a sample crosses a configured
// limit (spec.md §4.10).
type Monitor struct {
	store    *store.Store
	driver   container.Driver
	ps       pubsub.PubSub
	interval time.Duration

	mu    sync.Mutex
	rings map[string]*ring

	stopChan chan struct{}
	doneChan chan struct{}
}

// New constructs a Monitor sampling the container of every app the Store
// lists as running, every interval (DefaultInterval if zero). Containers
// of apps in any other status are not sampled.
func New(st *store.Store, driver container.Driver, ps pubsub.PubSub, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		store:    st,
		driver:   driver,
		ps:       ps,
		interval: interval,
		rings:    make(map[string]*ring),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the sampling loop in its own goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	logger.GetLogger(ctx).Sugar().Infow("resourcemonitor: starting", "interval", m.interval)
	go m.loop(ctx)
	return nil
}

// Stop signals the sampling loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stopChan)
	<-m.doneChan
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneChan)

	m.sampleAll(ctx)
	m.logHostBaseline(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sampleAll(ctx)
			m.logHostBaseline(ctx)
		}
	}
}

// sampleAll samples every app the Store reports Running and records/alarms
// on the result.
func (m *Monitor) sampleAll(ctx context.Context) {
	apps, err := m.store.ListApplications(ctx, store.ApplicationFilter{Status: enum.AppStatusRunning})
	if err != nil {
		logger.GetLogger(ctx).Sugar().Warnw("resourcemonitor: listing applications failed", "error", err)
		return
	}

	for _, app := range apps {
		if app.Status != enum.AppStatusRunning {
			continue
		}
		m.sampleApp(ctx, app)
	}
}

func (m *Monitor) sampleApp(ctx context.Context, app model.Application) {
	status, err := m.driver.Stats(ctx, app.AppID)
	if err != nil {
		logger.GetLogger(ctx).Sugar().Warnw("resourcemonitor: sampling app failed", "app_id", app.AppID, "error", err)
		return
	}

	memPercent := 0.0
	if status.MemoryLimitBytes > 0 {
		memPercent = (float64(status.MemoryUsageBytes) / float64(status.MemoryLimitBytes)) * 100.0
	}

	uptime := 0.0
	if status.StartedAt != nil {
		uptime = time.Since(*status.StartedAt).Seconds()
	}

	sample := model.ResourceSample{
		AppID:          app.AppID,
		CPUPercent:     status.CPUPercent,
		MemoryBytes:    uint64(status.MemoryUsageBytes),
		MemoryLimit:    uint64(status.MemoryLimitBytes),
		MemoryPercent:  memPercent,
		NetworkRxBytes: uint64(status.NetworkRxBytes),
		NetworkTxBytes: uint64(status.NetworkTxBytes),
		DiskUsageBytes: uint64(status.DiskUsageBytes),
		UptimeSeconds:  uptime,
		Timestamp:      time.Now().UTC(),
	}

	m.recordSample(sample)
	cpuGauge.WithLabelValues(app.AppID).Set(sample.CPUPercent)
	memGauge.WithLabelValues(app.AppID).Set(sample.MemoryPercent)

	m.checkThresholds(ctx, sample)
}

func (m *Monitor) recordSample(sample model.ResourceSample) {
	m.mu.Lock()
	r, ok := m.rings[sample.AppID]
	if !ok {
		r = newRing(ringCapacity)
		m.rings[sample.AppID] = r
	}
	m.mu.Unlock()
	r.push(sample)
}

// checkThresholds raises a threshold_breach event for every metric that
// crosses its configured limit (spec.md §4.10): CPU% or memory%>80 is a
// warning, >90 critical; disk usage>1GiB or total network>100MiB is always
// a warning (no distinct critical tier is specified for those metrics).
func (m *Monitor) checkThresholds(ctx context.Context, s model.ResourceSample) {
	m.maybeBreach(ctx, s.AppID, "cpu_percent", s.CPUPercent, cpuWarnPercent, cpuCritPercent)
	m.maybeBreach(ctx, s.AppID, "memory_percent", s.MemoryPercent, memWarnPercent, memCritPercent)

	if s.DiskUsageBytes > diskWarnBytes {
		m.emitBreach(ctx, s.AppID, "disk_usage_bytes", float64(s.DiskUsageBytes), diskWarnBytes, enum.SeverityWarning)
	}
	totalNet := s.NetworkRxBytes + s.NetworkTxBytes
	if totalNet > netWarnBytes {
		m.emitBreach(ctx, s.AppID, "network_bytes", float64(totalNet), netWarnBytes, enum.SeverityWarning)
	}
}

func (m *Monitor) maybeBreach(ctx context.Context, appID, metric string, value, warn, crit float64) {
	switch {
	case value > crit:
		m.emitBreach(ctx, appID, metric, value, crit, enum.SeverityCritical)
	case value > warn:
		m.emitBreach(ctx, appID, metric, value, warn, enum.SeverityWarning)
	}
}

func (m *Monitor) emitBreach(ctx context.Context, appID, metric string, value, threshold float64, severity enum.AlarmSeverity) {
	breach := model.ThresholdBreach{
		AppID:     appID,
		Metric:    metric,
		Severity:  severity,
		Value:     value,
		Threshold: threshold,
		Timestamp: time.Now().UTC(),
	}
	logger.GetLogger(ctx).Sugar().Warnw("resourcemonitor: threshold breach",
		"app_id", appID, "metric", metric, "value", value, "threshold", threshold, "severity", severity)

	if m.ps == nil {
		return
	}
	evt := pubsub.ThresholdBreachEvent{
		Type:      pubsub.EventTypeThresholdBreach,
		AppID:     appID,
		Metric:    metric,
		Severity:  string(severity),
		Value:     value,
		Threshold: threshold,
		Timestamp: breach.Timestamp,
	}
	_ = m.ps.Publish(ctx, "resourcemonitor."+appID, evt)
}

// Tail returns up to n most recent ResourceSamples retained for appID,
// oldest first.
func (m *Monitor) Tail(appID string, n int) []model.ResourceSample {
	m.mu.Lock()
	r := m.rings[appID]
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.tail(n)
}

// logHostBaseline records a one-line host-level CPU/memory snapshot
// alongside the per-app samples, giving operators a baseline to compare
// container readings against.
func (m *Monitor) logHostBaseline(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return
	}
	logger.GetLogger(ctx).Sugar().Debugw("resourcemonitor: host baseline",
		"cpu_percent", percents[0], "memory_percent", vm.UsedPercent)
}
