// Package runtimeroot implements the Runtime Root (C11): boot-time
// component wiring in dependency order, and an ordered, bounded-timeout
// shutdown drain in the reverse order on SIGINT/SIGTERM (spec.md §4.11).
package runtimeroot

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"edgeruntime/internal/appmanager"
	"edgeruntime/internal/config"
	"edgeruntime/internal/container"
	"edgeruntime/internal/enum"
	"edgeruntime/internal/hubbridge"
	"edgeruntime/internal/localserver"
	"edgeruntime/internal/logger"
	"edgeruntime/internal/loghub"
	"edgeruntime/internal/model"
	"edgeruntime/internal/pubsub"
	"edgeruntime/internal/resourcemonitor"
	vsignal "edgeruntime/internal/signal"
	"edgeruntime/internal/store"
	"edgeruntime/internal/supervisor"
	"edgeruntime/internal/vault"
)

// drainTimeout bounds how long shutdown waits for any single component to
// finish draining before moving on to the next one.
const drainTimeout = 10 * time.Second

// mockServiceAppID and kuksaServerAppID are the fixed app_ids Runtime Root
// bootstraps at boot as ordinary managed Applications, so the
// mock_service_* and kuksa_server_deployment handlers have something to
// start/stop/query (spec.md §4.11).
const (
	mockServiceAppID = "mock-service"
	kuksaServerAppID = "kuksa-server"
)

// bootstrapSidecar installs image as a manual-restart Application under
// appID if it isn't already registered, so later manage_app/
// mock_service_*/kuksa_server_deployment calls have a target. Install
// records the sidecar with status installed and does not start it;
// handlers start it on demand.
func bootstrapSidecar(ctx context.Context, apps *appmanager.Manager, appID, image string) error {
	if _, err := apps.Get(ctx, appID); err == nil {
		return nil
	}
	manifest := fmt.Sprintf(`{"image":%q}`, image)
	return apps.Install(ctx, model.Application{
		AppID:         appID,
		Name:          appID,
		Type:          enum.AppTypeContainer,
		Status:        enum.AppStatusStopped,
		RestartPolicy: enum.RestartNever,
		Manifest:      manifest,
		Source:        "runtimeroot",
	})
}

// Runtime holds every boot-order component, so Run's shutdown path can
// drain them in reverse without re-deriving wiring decisions made at Boot.
type Runtime struct {
	cfg *config.Config

	store   *store.Store
	logs    *loghub.Hub
	driver  container.Driver
	monitor *resourcemonitor.Monitor
	apps    *appmanager.Manager
	gateway *vsignal.Gateway
	server  *localserver.Server
	bridge  *hubbridge.Bridge

	httpDone      chan error
	gatewayCancel context.CancelFunc
	bridgeCancel  context.CancelFunc
	monitorCancel context.CancelFunc
}

// Boot wires every component in Store -> Credential Vault -> Log Hub ->
// Container Driver -> Resource Monitor -> App Manager -> Signal Gateway ->
// Local Server -> Hub Bridge order, reconciling orphaned containers before
// the App Manager is handed to anything else, and returns a Runtime ready
// for Run.
func Boot(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	log := logger.GetLogger(ctx).Sugar()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("runtimeroot: opening store: %w", err)
	}
	log.Infow("runtimeroot: store ready", "dsn", cfg.DatabaseURL)

	if err := vault.Init(cfg.VaultKeyBase64, cfg.VaultOldKeysBase64...); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("runtimeroot: initializing credential encryption: %w", err)
	}
	vaultPath := cfg.DataDir + "/credentials.json"
	cv, err := vault.Open(vaultPath, vault.DefaultEncryptor)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("runtimeroot: opening credential vault: %w", err)
	}
	log.Infow("runtimeroot: credential vault ready", "path", vaultPath)

	logsDir := cfg.DataDir + "/logs"
	ps := pubsub.NewMemoryPubSub()
	logs, err := loghub.New(logsDir, ps)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("runtimeroot: opening log hub: %w", err)
	}
	log.Infow("runtimeroot: log hub ready", "dir", logsDir)

	driver, err := container.NewRuntime(ctx, &container.Config{
		Host:    cfg.DockerHost,
		Network: cfg.DockerNetwork,
	})
	if err != nil {
		_ = logs.Close()
		_ = st.Close()
		return nil, fmt.Errorf("runtimeroot: initializing container driver: %w", err)
	}
	log.Infow("runtimeroot: container driver ready", "host", cfg.DockerHost, "network", cfg.DockerNetwork)

	mon := resourcemonitor.New(st, driver, ps, cfg.MonitorInterval)
	log.Infow("runtimeroot: resource monitor ready", "interval", cfg.MonitorInterval)

	newSup := func(app model.Application, state enum.LifecycleState) *supervisor.Supervisor {
		return supervisor.New(app, state, st, driver, cv, cfg.RuntimeID, func(ctx context.Context, appID, containerID string) {
			rc, err := driver.Logs(ctx, appID, true, 0)
			if err != nil {
				logger.GetLogger(ctx).Sugar().Warnw("runtimeroot: attaching logs failed", "app_id", appID, "error", err)
				return
			}
			defer rc.Close()
			if err := logs.Attach(ctx, appID, enum.StreamStdout, rc); err != nil {
				logger.GetLogger(ctx).Sugar().Warnw("runtimeroot: log attach ended", "app_id", appID, "error", err)
			}
		})
	}
	apps := appmanager.New(st, driver, newSup)
	if err := apps.Reconcile(ctx); err != nil {
		log.Warnw("runtimeroot: reconciling orphaned containers failed", "error", err)
	}
	log.Infow("runtimeroot: app manager ready")

	if err := bootstrapSidecar(ctx, apps, mockServiceAppID, "edgeruntime/mock-service:latest"); err != nil {
		log.Warnw("runtimeroot: bootstrapping mock service sidecar failed", "error", err)
	}
	if err := bootstrapSidecar(ctx, apps, kuksaServerAppID, "edgeruntime/kuksa-server:latest"); err != nil {
		log.Warnw("runtimeroot: bootstrapping kuksa-server sidecar failed", "error", err)
	}

	var gateway *vsignal.Gateway
	if cfg.SignalBrokerAddr != "" && cfg.SignalSchemaPath != "" {
		schema, err := vsignal.LoadSchema(cfg.SignalSchemaPath)
		if err != nil {
			log.Warnw("runtimeroot: loading signal schema failed, signal gateway disabled", "error", err)
		} else {
			gateway = vsignal.New(schema, vsignal.NewBrokerClient(cfg.SignalBrokerAddr), ps, st)
			log.Infow("runtimeroot: signal gateway ready", "broker", cfg.SignalBrokerAddr)
		}
	} else {
		log.Infow("runtimeroot: signal gateway disabled, no broker address/schema configured")
	}

	srv, err := localserver.New(localserver.Deps{
		Apps:             apps,
		Logs:             logs,
		Signals:          gateway,
		RuntimeID:        cfg.RuntimeID,
		Port:             cfg.Port,
		StartedAt:        time.Now().UTC(),
		MockServiceAppID: mockServiceAppID,
		KuksaServerAppID: kuksaServerAppID,
	})
	if err != nil {
		return nil, fmt.Errorf("runtimeroot: building local server: %w", err)
	}
	log.Infow("runtimeroot: local server ready", "port", cfg.Port)

	var bridge *hubbridge.Bridge
	if !cfg.SkipHub && cfg.HubURL != "" {
		bridge = hubbridge.New(cfg.HubURL, cfg.RuntimeID, srv.Dispatcher())
		log.Infow("runtimeroot: hub bridge ready", "hub_url", cfg.HubURL)
	} else {
		log.Infow("runtimeroot: hub bridge disabled (skip-hub or no hub-url configured)")
	}

	return &Runtime{
		cfg:     cfg,
		store:   st,
		logs:    logs,
		driver:  driver,
		monitor: mon,
		apps:    apps,
		gateway: gateway,
		server:  srv,
		bridge:  bridge,
	}, nil
}

// Run starts every background component and the Local Server's HTTP
// listener, then blocks until ctx is cancelled, at which point it drains
// every component in reverse boot order and returns the aggregate error,
// if any.
func (r *Runtime) Run(ctx context.Context) error {
	log := logger.GetLogger(ctx).Sugar()

	monCtx, monCancel := context.WithCancel(ctx)
	r.monitorCancel = monCancel
	if err := r.monitor.Start(monCtx); err != nil {
		log.Warnw("runtimeroot: starting resource monitor failed", "error", err)
	}

	if r.gateway != nil {
		gwCtx, gwCancel := context.WithCancel(ctx)
		r.gatewayCancel = gwCancel
		go r.gateway.Run(gwCtx)
	}

	if r.bridge != nil {
		brCtx, brCancel := context.WithCancel(ctx)
		r.bridgeCancel = brCancel
		go r.bridge.Run(brCtx)
	}

	r.httpDone = make(chan error, 1)
	go func() {
		r.httpDone <- r.server.Run(ctx, fmt.Sprintf(":%d", r.cfg.Port), drainTimeout)
	}()

	<-ctx.Done()
	log.Infow("runtimeroot: shutdown signal received, draining components")
	return r.shutdown()
}

// shutdown drains every started component in the reverse of boot order,
// each bounded by drainTimeout, aggregating every failure encountered.
func (r *Runtime) shutdown() error {
	var errs *multierror.Error

	if r.bridgeCancel != nil {
		r.bridgeCancel()
	}
	if r.gatewayCancel != nil {
		r.gatewayCancel()
	}

	if r.httpDone != nil {
		select {
		case err := <-r.httpDone:
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("local server: %w", err))
			}
		case <-time.After(drainTimeout):
			errs = multierror.Append(errs, fmt.Errorf("local server: drain timed out"))
		}
	}

	if r.monitorCancel != nil {
		r.monitorCancel()
	}
	stopWithTimeout(r.monitor.Stop)

	if err := r.logs.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("log hub: %w", err))
	}
	if err := r.driver.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("container driver: %w", err))
	}
	if err := r.store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("store: %w", err))
	}

	return errs.ErrorOrNil()
}

// stopWithTimeout runs a blocking Stop func but gives up waiting after
// drainTimeout rather than hanging the whole shutdown on one component.
func stopWithTimeout(stop func()) {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
	}
}

// Wait derives a context from parent that is cancelled on SIGINT/SIGTERM,
// for cmd/runtime to pass into Run.
func Wait(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}
