// Package appmanager implements the App Manager (C5): the registry of
// Supervisors keyed by app_id, orphan container reconciliation at boot, and
// the coordinated install/start/stop/remove entry points the Local Server
// and Hub Bridge call into.
package appmanager

import (
	"context"
	"fmt"
	"sync"

	"edgeruntime/internal/container"
	"edgeruntime/internal/enum"
	"edgeruntime/internal/logger"
	"edgeruntime/internal/model"
	"edgeruntime/internal/store"
	"edgeruntime/internal/supervisor"
)

// SupervisorFactory builds a Supervisor for a persisted Application in its
// last-known LifecycleState; swappable in tests.
type SupervisorFactory func(app model.Application, state enum.LifecycleState) *supervisor.Supervisor

// Manager owns every app's Supervisor and serializes install/remove
// operations per app_id with a lazily created mutex, mirroring the Store's
// own per-app_id lock.
type Manager struct {
	store  *store.Store
	driver container.Driver
	newSup SupervisorFactory

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu   sync.RWMutex
	sups map[string]*supervisor.Supervisor
}

// New constructs a Manager. newSup builds the Supervisor for a given app;
// callers typically close over a shared Store, Driver, and CredentialStore.
func New(st *store.Store, driver container.Driver, newSup SupervisorFactory) *Manager {
	return &Manager{
		store:  st,
		driver: driver,
		newSup: newSup,
		locks:  make(map[string]*sync.Mutex),
		sups:   make(map[string]*supervisor.Supervisor),
	}
}

func (m *Manager) lockFor(appID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[appID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[appID] = l
	}
	return l
}

// Install persists a new Application row and registers (but does not
// start) its Supervisor.
func (m *Manager) Install(ctx context.Context, app model.Application) error {
	lock := m.lockFor(app.AppID)
	lock.Lock()
	defer lock.Unlock()

	app.Status = enum.AppStatusInstalled
	if err := m.store.CreateApplication(ctx, app); err != nil {
		return fmt.Errorf("appmanager: installing %s: %w", app.AppID, err)
	}

	sup := m.newSup(app, enum.StateInstalled)
	m.mu.Lock()
	m.sups[app.AppID] = sup
	m.mu.Unlock()
	return nil
}

// Start starts the named app's Supervisor.
func (m *Manager) Start(ctx context.Context, appID string) error {
	sup, err := m.get(appID)
	if err != nil {
		return err
	}
	return sup.Start(ctx)
}

// Stop stops the named app's Supervisor.
func (m *Manager) Stop(ctx context.Context, appID string) error {
	sup, err := m.get(appID)
	if err != nil {
		return err
	}
	return sup.Stop(ctx)
}

// Pause pauses the named app's Supervisor.
func (m *Manager) Pause(ctx context.Context, appID string) error {
	sup, err := m.get(appID)
	if err != nil {
		return err
	}
	return sup.Pause(ctx)
}

// Resume resumes the named app's Supervisor.
func (m *Manager) Resume(ctx context.Context, appID string) error {
	sup, err := m.get(appID)
	if err != nil {
		return err
	}
	return sup.Resume(ctx)
}

// Remove stops the app if running, removes its container, and deletes its
// Store row (cascading to runtime state, dependencies, subscriptions, and
// log lines).
func (m *Manager) Remove(ctx context.Context, appID string) error {
	lock := m.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	if sup, ok := m.lookup(appID); ok && sup.State() != enum.StateStopped {
		_ = sup.Stop(ctx)
	}
	if err := m.driver.Remove(ctx, appID); err != nil {
		logger.GetLogger(ctx).Sugar().Warnw("appmanager: removing container failed", "app_id", appID, "error", err)
	}
	if err := m.store.DeleteApplication(ctx, appID); err != nil {
		return fmt.Errorf("appmanager: removing %s: %w", appID, err)
	}

	m.mu.Lock()
	delete(m.sups, appID)
	m.mu.Unlock()
	return nil
}

// Status returns the LifecycleState of a registered app's Supervisor.
func (m *Manager) Status(appID string) (enum.LifecycleState, error) {
	sup, err := m.get(appID)
	if err != nil {
		return "", err
	}
	return sup.State(), nil
}

// List returns the app_ids of every registered Supervisor.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sups))
	for id := range m.sups {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) get(appID string) (*supervisor.Supervisor, error) {
	sup, ok := m.lookup(appID)
	if !ok {
		return nil, fmt.Errorf("appmanager: no such app %s", appID)
	}
	return sup, nil
}

func (m *Manager) lookup(appID string) (*supervisor.Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.sups[appID]
	return sup, ok
}

// Get returns the persisted Application row for appID.
func (m *Manager) Get(ctx context.Context, appID string) (*model.Application, error) {
	return m.store.GetApplication(ctx, appID)
}

// ListApplications returns persisted Application rows matching filter.
func (m *Manager) ListApplications(ctx context.Context, filter store.ApplicationFilter) ([]model.Application, error) {
	return m.store.ListApplications(ctx, filter)
}

// RuntimeState returns the persisted RuntimeState for appID.
func (m *Manager) RuntimeState(ctx context.Context, appID string) (*model.RuntimeState, error) {
	return m.store.GetRuntimeState(ctx, appID)
}

// Registered reports whether appID has a registered Supervisor.
func (m *Manager) Registered(appID string) bool {
	_, ok := m.lookup(appID)
	return ok
}

// Reconcile runs at boot: it loads every persisted Application, registers a
// Supervisor for each, auto-starts apps that were Running when the runtime
// last stopped, then cross-references Driver.ListManaged() (every container
// carrying the "runtime=vehicle-edge" label, keyed by its appId label)
// against the Store to find orphan containers — ones whose app_id the Store
// no longer knows about — stopping and removing each (spec.md §4.5).
func (m *Manager) Reconcile(ctx context.Context) error {
	apps, err := m.store.ListApplications(ctx, store.ApplicationFilter{})
	if err != nil {
		return fmt.Errorf("appmanager: listing applications: %w", err)
	}

	managed, err := m.driver.ListManaged(ctx)
	if err != nil {
		logger.GetLogger(ctx).Sugar().Warnw("appmanager: listing managed containers failed", "error", err)
		managed = map[string]string{}
	}

	known := make(map[string]bool, len(apps))
	for _, app := range apps {
		known[app.AppID] = true

		rs, err := m.store.GetRuntimeState(ctx, app.AppID)
		lastState := enum.LifecycleState(app.Status)
		if err == nil {
			lastState = rs.State
		}
		wasRunning := lastState == enum.StateRunning
		_, stillManaged := managed[app.AppID]

		// auto_start=true resumes the app whether it was last Running
		// (the host rebooted mid-session) or left Installed (never
		// started this boot, or installed with auto_start before ever
		// running) — spec.md §4.5.
		autoStart := app.AutoStart && (wasRunning || lastState == enum.StateInstalled)
		needsStart := wasRunning || autoStart

		// A running app whose container still exists is reattached in
		// place at LifecycleState Running without calling Start, which
		// would otherwise try to re-create an already-live container.
		// One whose container vanished (crashed host, manual docker rm),
		// or one that's Installed with auto_start, is actually started
		// from Installed.
		state := enum.LifecycleState(app.Status)
		sup := m.newSup(app, state)
		reattachInPlace := wasRunning && stillManaged
		if !reattachInPlace && needsStart {
			sup = m.newSup(app, enum.StateInstalled)
		}
		m.mu.Lock()
		m.sups[app.AppID] = sup
		m.mu.Unlock()

		if !reattachInPlace && needsStart {
			if err := sup.Start(ctx); err != nil {
				logger.GetLogger(ctx).Sugar().Warnw("appmanager: reconcile start failed", "app_id", app.AppID, "error", err)
			}
		}
	}

	for appID, containerID := range managed {
		if known[appID] {
			continue
		}
		logger.GetLogger(ctx).Sugar().Infow("appmanager: removing orphan container",
			"app_id", appID, "container_id", containerID)
		if err := m.driver.Stop(ctx, appID); err != nil {
			logger.GetLogger(ctx).Sugar().Warnw("appmanager: stopping orphan failed", "app_id", appID, "error", err)
		}
		if err := m.driver.Remove(ctx, appID); err != nil {
			logger.GetLogger(ctx).Sugar().Warnw("appmanager: removing orphan failed", "app_id", appID, "error", err)
		}
	}
	return nil
}
