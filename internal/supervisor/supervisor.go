// Package supervisor implements the App Supervisor (C4): a per-application
// lifecycle state machine that materializes, starts, stops, and restarts
// one app's container, injecting vehicle credentials and gating restarts
// with an exponential-backoff rate limiter.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"edgeruntime/internal/container"
	"edgeruntime/internal/enum"
	"edgeruntime/internal/logger"
	"edgeruntime/internal/model"
	"edgeruntime/internal/store"
)

const (
	restartBackoffMin = 1 * time.Second
	restartBackoffMax = 60 * time.Second
	restartBurst      = 10
	restartWindow     = 10 * time.Minute
)

// CredentialStore resolves a vehicle's current access token; satisfied by
// *vault.Vault, kept as a narrow interface here so Supervisor doesn't
// import the vault package directly.
type CredentialStore interface {
	Get(vehicleID string) (string, error)
}

// Supervisor owns the lifecycle state machine for exactly one Application.
type Supervisor struct {
	mu    sync.Mutex
	app   model.Application
	state enum.LifecycleState

	store     *store.Store
	driver    container.Driver
	creds     CredentialStore
	vehicleID string

	restartLimiter *rate.Limiter
	restartCount   int

	logAttach func(ctx context.Context, appID string, containerID string)

	// credentialLookup overrides creds.Get in tests; nil uses creds.Get.
	credentialLookup func(vehicleID string) (string, error)
}

// New constructs a Supervisor for app in its persisted state.
func New(app model.Application, initialState enum.LifecycleState, st *store.Store, driver container.Driver, creds CredentialStore, vehicleID string, logAttach func(ctx context.Context, appID, containerID string)) *Supervisor {
	return &Supervisor{
		app:            app,
		state:          initialState,
		store:          st,
		driver:         driver,
		creds:          creds,
		vehicleID:      vehicleID,
		restartLimiter: rate.NewLimiter(rate.Every(restartWindow/restartBurst), restartBurst),
		logAttach:      logAttach,
	}
}

// State returns the Supervisor's current lifecycle state.
func (s *Supervisor) State() enum.LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AppID returns the id of the Application this Supervisor owns.
func (s *Supervisor) AppID() string {
	return s.app.AppID
}

// Start transitions Installed/Stopped -> Starting -> Running, materializing
// the container if one doesn't already exist.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != enum.StateInstalled && s.state != enum.StateStopped && s.state != enum.StateError {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot start app %s from state %s", s.app.AppID, s.state)
	}
	s.state = enum.StateStarting
	s.mu.Unlock()

	s.persistState(ctx, enum.StateStarting, nil)

	var manifest appManifest
	if err := parseManifest(s.app.Manifest, &manifest); err != nil {
		return s.fail(ctx, fmt.Errorf("parsing manifest for %s: %w", s.app.AppID, err))
	}

	var containerID string
	if len(manifest.DockerCommand) > 0 {
		// AppType=container escape hatch: the manifest supplies a raw
		// docker command line instead of a managed Spec.
		id, err := s.driver.Passthrough(ctx, s.app.AppID, manifest.DockerCommand)
		if err != nil {
			return s.fail(ctx, fmt.Errorf("docker passthrough: %w", err))
		}
		containerID = id
	} else {
		spec := s.buildSpec(manifest)
		id, err := s.driver.Create(ctx, spec)
		if err != nil {
			return s.fail(ctx, fmt.Errorf("creating container: %w", err))
		}
		if err := s.driver.Start(ctx, s.app.AppID); err != nil {
			return s.fail(ctx, fmt.Errorf("starting container: %w", err))
		}
		containerID = id
	}

	s.mu.Lock()
	s.app.ContainerID = containerID
	s.state = enum.StateRunning
	s.mu.Unlock()

	now := time.Now().UTC()
	s.persistState(ctx, enum.StateRunning, &now)

	if s.logAttach != nil {
		go s.logAttach(ctx, s.app.AppID, containerID)
	}

	return nil
}

// Stop transitions Running/Paused -> Stopping -> Stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != enum.StateRunning && s.state != enum.StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot stop app %s from state %s", s.app.AppID, s.state)
	}
	s.state = enum.StateStopping
	s.mu.Unlock()

	s.persistState(ctx, enum.StateStopping, nil)

	if err := s.driver.Stop(ctx, s.app.AppID); err != nil {
		return s.fail(ctx, fmt.Errorf("stopping container: %w", err))
	}

	s.mu.Lock()
	s.state = enum.StateStopped
	s.mu.Unlock()
	s.persistState(ctx, enum.StateStopped, nil)
	return nil
}

// Pause marks the app Paused without stopping its container (spec.md §4.4).
func (s *Supervisor) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.state != enum.StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot pause app %s from state %s", s.app.AppID, s.state)
	}
	s.state = enum.StatePaused
	s.mu.Unlock()
	s.persistState(ctx, enum.StatePaused, nil)
	return nil
}

// Resume transitions Paused back to Running.
func (s *Supervisor) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.state != enum.StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot resume app %s from state %s", s.app.AppID, s.state)
	}
	s.state = enum.StateRunning
	s.mu.Unlock()
	s.persistState(ctx, enum.StateRunning, nil)
	return nil
}

// HandleExit is invoked when the container backing this app exits. It
// applies the app's RestartPolicy, gated by the exponential backoff rate
// limiter: once the limiter's burst is exhausted within the window, the
// Supervisor transitions to Error instead of retrying further.
func (s *Supervisor) HandleExit(ctx context.Context, exitCode int) {
	s.mu.Lock()
	policy := s.app.RestartPolicy
	s.mu.Unlock()

	shouldRestart := policy == enum.RestartAlways || (policy == enum.RestartOnFailure && exitCode != 0)
	if !shouldRestart {
		s.mu.Lock()
		s.state = enum.StateStopped
		s.mu.Unlock()
		s.persistState(ctx, enum.StateStopped, nil)
		return
	}

	if !s.restartLimiter.Allow() {
		logger.GetLogger(ctx).Sugar().Warnw("supervisor: restart budget exhausted, entering error state",
			"app_id", s.app.AppID)
		s.mu.Lock()
		s.state = enum.StateError
		s.mu.Unlock()
		s.persistState(ctx, enum.StateError, nil)
		return
	}

	// The committed intermediate state before a restart depends on
	// RestartPolicy (spec.md §4.4): on_failure settles the app back to
	// Installed between attempts, while always skips straight through to
	// Starting without a persisted Stopped/Installed record in between.
	s.mu.Lock()
	s.restartCount++
	attempt := s.restartCount
	s.state = enum.StateInstalled
	onFailure := policy == enum.RestartOnFailure
	s.mu.Unlock()

	if onFailure {
		s.persistState(ctx, enum.StateInstalled, nil)
	}

	delay := backoffDelay(attempt)
	logger.GetLogger(ctx).Sugar().Infow("supervisor: scheduling restart",
		"app_id", s.app.AppID, "attempt", attempt, "delay", delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if err := s.Start(ctx); err != nil {
		logger.GetLogger(ctx).Sugar().Errorw("supervisor: restart failed", "app_id", s.app.AppID, "error", err)
	}
}

func backoffDelay(attempt int) time.Duration {
	d := restartBackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= restartBackoffMax {
			return restartBackoffMax
		}
	}
	return d
}

func (s *Supervisor) fail(ctx context.Context, err error) error {
	s.mu.Lock()
	s.state = enum.StateError
	s.mu.Unlock()
	s.persistErrorState(ctx, err)
	return err
}

func (s *Supervisor) persistState(ctx context.Context, state enum.LifecycleState, startedAt *time.Time) {
	if s.store == nil {
		return
	}
	rs := model.RuntimeState{AppID: s.app.AppID, State: state, RestartCount: s.restartCount, StartedAt: startedAt}
	if err := s.store.UpsertRuntimeState(ctx, rs); err != nil {
		logger.GetLogger(ctx).Sugar().Warnw("supervisor: persisting runtime state failed", "app_id", s.app.AppID, "error", err)
	}
	if err := s.store.UpdateApplicationStatus(ctx, s.app.AppID, state.AppStatus(), s.app.ContainerID); err != nil {
		logger.GetLogger(ctx).Sugar().Warnw("supervisor: persisting application status failed", "app_id", s.app.AppID, "error", err)
	}
}

func (s *Supervisor) persistErrorState(ctx context.Context, cause error) {
	if s.store == nil {
		return
	}
	rs := model.RuntimeState{AppID: s.app.AppID, State: enum.StateError, RestartCount: s.restartCount, LastError: cause.Error()}
	if err := s.store.UpsertRuntimeState(ctx, rs); err != nil {
		logger.GetLogger(ctx).Sugar().Warnw("supervisor: persisting error state failed", "app_id", s.app.AppID, "error", err)
	}
	_ = s.store.UpdateApplicationStatus(ctx, s.app.AppID, enum.AppStatusError, s.app.ContainerID)
}

// buildSpec assembles the container.Spec for this app from an
// already-parsed manifest, appending credential-injection environment
// variables per spec.md §4.4.
func (s *Supervisor) buildSpec(manifest appManifest) container.Spec {
	env := make(map[string]string, len(manifest.Env)+5)
	for k, v := range manifest.Env {
		env[k] = v
	}

	lookup := s.credentialLookup
	if lookup == nil && s.creds != nil {
		lookup = s.creds.Get
	}
	if lookup != nil && s.vehicleID != "" {
		token, err := lookup(s.vehicleID)
		if err == nil {
			env["VEHICLE_ACCESS_TOKEN"] = token
			env["VEHICLE_ID"] = s.vehicleID
			env["APPLICATION_ID"] = s.app.AppID
			env["CREDENTIAL_INJECTED_AT"] = time.Now().UTC().Format(time.RFC3339)
		}
	}
	if manifest.KuksaServerURL != "" {
		env["KUKSA_SERVER_URL"] = manifest.KuksaServerURL
	}

	return container.Spec{
		AppID:       s.app.AppID,
		Image:       manifest.Image,
		Cmd:         manifest.Cmd,
		Env:         env,
		Mounts:      manifest.mounts(),
		MemoryBytes: manifest.MemoryBytes,
		CPUQuota:    manifest.CPUQuota,
	}
}
