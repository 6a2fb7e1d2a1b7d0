package supervisor

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeruntime/internal/container"
	"edgeruntime/internal/enum"
	"edgeruntime/internal/model"
	"edgeruntime/internal/store"
)

// fakeDriver is an in-memory stand-in for container.Driver used to exercise
// Supervisor transitions without a real Docker daemon.
type fakeDriver struct {
	mu             sync.Mutex
	created        map[string]container.Spec
	running        map[string]bool
	passthroughCmd []string
	failCreate     bool
	failStart      bool
	failStop       bool
}

var _ container.Driver = (*fakeDriver)(nil)

func newFakeDriver() *fakeDriver {
	return &fakeDriver{created: make(map[string]container.Spec), running: make(map[string]bool)}
}

func (f *fakeDriver) Create(ctx context.Context, spec container.Spec) (string, error) {
	if f.failCreate {
		return "", errors.New("create failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[spec.AppID] = spec
	return "container-" + spec.AppID, nil
}

func (f *fakeDriver) Start(ctx context.Context, appID string) error {
	if f.failStart {
		return errors.New("start failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[appID] = true
	return nil
}

func (f *fakeDriver) Stop(ctx context.Context, appID string) error {
	if f.failStop {
		return errors.New("stop failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[appID] = false
	return nil
}

func (f *fakeDriver) Remove(ctx context.Context, appID string) error { return nil }

func (f *fakeDriver) Inspect(ctx context.Context, appID string) (*container.Status, error) {
	return &container.Status{AppID: appID}, nil
}

func (f *fakeDriver) Wait(ctx context.Context, appID string) (int, error) { return 0, nil }

func (f *fakeDriver) Logs(ctx context.Context, appID string, follow bool, tail int) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeDriver) Stats(ctx context.Context, appID string) (*container.Status, error) {
	return &container.Status{AppID: appID}, nil
}

func (f *fakeDriver) ListByLabel(ctx context.Context, label string) ([]string, error) { return nil, nil }

func (f *fakeDriver) ListManaged(ctx context.Context) (map[string]string, error) { return nil, nil }

func (f *fakeDriver) Passthrough(ctx context.Context, appID string, tokens []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passthroughCmd = tokens
	return "passthrough-container-id", nil
}

func (f *fakeDriver) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeDriver) Close() error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open("sqlite://" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testApp(manifest string) model.Application {
	return model.Application{
		AppID:         "app-1",
		Name:          "demo",
		Type:          enum.AppTypeContainer,
		RestartPolicy: enum.RestartOnFailure,
		Manifest:      manifest,
	}
}

func TestSupervisorStartTransitionsToRunning(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateApplication(context.Background(), testApp(`{"image":"demo:latest"}`)))

	driver := newFakeDriver()
	sup := New(testApp(`{"image":"demo:latest"}`), enum.StateInstalled, st, driver, nil, "", nil)

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, enum.StateRunning, sup.State())

	rs, err := st.GetRuntimeState(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, enum.StateRunning, rs.State)
}

func TestSupervisorStartFromRunningFails(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateApplication(context.Background(), testApp(`{"image":"demo:latest"}`)))

	sup := New(testApp(`{"image":"demo:latest"}`), enum.StateRunning, st, newFakeDriver(), nil, "", nil)
	err := sup.Start(context.Background())
	assert.Error(t, err)
}

func TestSupervisorStopTransitionsToStopped(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateApplication(context.Background(), testApp(`{"image":"demo:latest"}`)))

	sup := New(testApp(`{"image":"demo:latest"}`), enum.StateRunning, st, newFakeDriver(), nil, "", nil)
	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, enum.StateStopped, sup.State())
}

func TestSupervisorPauseResume(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateApplication(context.Background(), testApp(`{"image":"demo:latest"}`)))

	sup := New(testApp(`{"image":"demo:latest"}`), enum.StateRunning, st, newFakeDriver(), nil, "", nil)
	require.NoError(t, sup.Pause(context.Background()))
	assert.Equal(t, enum.StatePaused, sup.State())

	require.NoError(t, sup.Resume(context.Background()))
	assert.Equal(t, enum.StateRunning, sup.State())
}

func TestSupervisorHandleExitRestartsOnFailurePolicy(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateApplication(context.Background(), testApp(`{"image":"demo:latest"}`)))

	driver := newFakeDriver()
	sup := New(testApp(`{"image":"demo:latest"}`), enum.StateRunning, st, driver, nil, "", nil)
	sup.restartLimiter.SetBurst(10)

	sup.HandleExit(context.Background(), 1)

	// HandleExit waits out the 1s backoff delay and then restarts before
	// returning; assert a restart attempt was recorded.
	assert.GreaterOrEqual(t, sup.restartCount, 1)
}

func TestSupervisorHandleExitNeverPolicyStops(t *testing.T) {
	st := newTestStore(t)
	app := testApp(`{"image":"demo:latest"}`)
	app.RestartPolicy = enum.RestartNever
	require.NoError(t, st.CreateApplication(context.Background(), app))

	sup := New(app, enum.StateRunning, st, newFakeDriver(), nil, "", nil)
	sup.HandleExit(context.Background(), 1)
	assert.Equal(t, enum.StateStopped, sup.State())
}

func TestSupervisorHandleExitOnFailurePolicyIgnoresCleanExit(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateApplication(context.Background(), testApp(`{"image":"demo:latest"}`)))

	sup := New(testApp(`{"image":"demo:latest"}`), enum.StateRunning, st, newFakeDriver(), nil, "", nil)
	sup.HandleExit(context.Background(), 0)

	assert.Equal(t, enum.StateStopped, sup.State())
	assert.Equal(t, 0, sup.restartCount)
}

func TestSupervisorHandleExitAlwaysPolicyRestartsOnCleanExit(t *testing.T) {
	st := newTestStore(t)
	app := testApp(`{"image":"demo:latest"}`)
	app.RestartPolicy = enum.RestartAlways
	require.NoError(t, st.CreateApplication(context.Background(), app))

	sup := New(app, enum.StateRunning, st, newFakeDriver(), nil, "", nil)
	sup.restartLimiter.SetBurst(10)

	sup.HandleExit(context.Background(), 0)

	assert.GreaterOrEqual(t, sup.restartCount, 1)
	assert.Equal(t, enum.StateRunning, sup.State())
}

func TestSupervisorHandleExitExhaustsRestartBudget(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateApplication(context.Background(), testApp(`{"image":"demo:latest"}`)))

	sup := New(testApp(`{"image":"demo:latest"}`), enum.StateRunning, st, newFakeDriver(), nil, "", nil)
	for i := 0; i < restartBurst; i++ {
		sup.restartLimiter.Allow()
	}
	sup.HandleExit(context.Background(), 1)
	assert.Equal(t, enum.StateError, sup.State())
}

func TestSupervisorBuildSpecInjectsCredentials(t *testing.T) {
	st := newTestStore(t)
	app := testApp(`{"image":"demo:latest","kuksa_server_url":"grpc://kuksa:55555"}`)
	require.NoError(t, st.CreateApplication(context.Background(), app))

	v := &fakeVault{token: "secret-token"}
	sup := New(app, enum.StateInstalled, st, newFakeDriver(), nil, "vin-123", nil)
	sup.credentialLookup = v.Get

	var manifest appManifest
	require.NoError(t, parseManifest(app.Manifest, &manifest))
	spec := sup.buildSpec(manifest)
	assert.Equal(t, "secret-token", spec.Env["VEHICLE_ACCESS_TOKEN"])
	assert.Equal(t, "vin-123", spec.Env["VEHICLE_ID"])
	assert.Equal(t, "grpc://kuksa:55555", spec.Env["KUKSA_SERVER_URL"])
}

func TestSupervisorStartUsesDockerPassthroughForRawCommands(t *testing.T) {
	st := newTestStore(t)
	app := testApp(`{"docker_command":["run","-d","--name","nginx-test","nginx:alpine"]}`)
	require.NoError(t, st.CreateApplication(context.Background(), app))

	driver := newFakeDriver()
	sup := New(app, enum.StateInstalled, st, driver, nil, "", nil)

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, enum.StateRunning, sup.State())
	assert.Equal(t, []string{"run", "-d", "--name", "nginx-test", "nginx:alpine"}, driver.passthroughCmd)
}

func TestBackoffDelayDoublesUpToMax(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, restartBackoffMax, backoffDelay(10))
}

type fakeVault struct{ token string }

func (f *fakeVault) Get(vehicleID string) (string, error) { return f.token, nil }
