package resourcemonitor

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeruntime/internal/container"
	"edgeruntime/internal/enum"
	"edgeruntime/internal/model"
	"edgeruntime/internal/pubsub"
	"edgeruntime/internal/store"
)

type fakeDriver struct {
	status *container.Status
	err    error
}

var _ container.Driver = (*fakeDriver)(nil)

func (f *fakeDriver) Create(ctx context.Context, spec container.Spec) (string, error) { return "", nil }
func (f *fakeDriver) Start(ctx context.Context, appID string) error                   { return nil }
func (f *fakeDriver) Stop(ctx context.Context, appID string) error                    { return nil }
func (f *fakeDriver) Remove(ctx context.Context, appID string) error                  { return nil }
func (f *fakeDriver) Inspect(ctx context.Context, appID string) (*container.Status, error) {
	return f.status, f.err
}
func (f *fakeDriver) Wait(ctx context.Context, appID string) (int, error) { return 0, nil }
func (f *fakeDriver) Logs(ctx context.Context, appID string, follow bool, tail int) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}
func (f *fakeDriver) Stats(ctx context.Context, appID string) (*container.Status, error) {
	return f.status, f.err
}
func (f *fakeDriver) ListByLabel(ctx context.Context, label string) ([]string, error) { return nil, nil }
func (f *fakeDriver) ListManaged(ctx context.Context) (map[string]string, error)      { return nil, nil }
func (f *fakeDriver) Passthrough(ctx context.Context, appID string, tokens []string) (string, error) {
	return "", nil
}
func (f *fakeDriver) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeDriver) Close() error                          { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open("sqlite://" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func runningApp(id string) model.Application {
	return model.Application{
		AppID: id, Name: "demo", Type: enum.AppTypeContainer,
		Status: enum.AppStatusRunning, RestartPolicy: enum.RestartNever, Manifest: `{}`,
	}
}

func TestSampleAppRecordsSampleAndGauges(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateApplication(context.Background(), runningApp("app-1")))

	driver := &fakeDriver{status: &container.Status{
		AppID: "app-1", CPUPercent: 42.5, MemoryUsageBytes: 50, MemoryLimitBytes: 100,
	}}
	mon := New(st, driver, pubsub.NewMemoryPubSub(), time.Second)

	mon.sampleAll(context.Background())

	samples := mon.Tail("app-1", 10)
	require.Len(t, samples, 1)
	assert.Equal(t, 42.5, samples[0].CPUPercent)
	assert.Equal(t, 50.0, samples[0].MemoryPercent)
}

func TestThresholdBreachPublishedOnHighCPU(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateApplication(context.Background(), runningApp("app-1")))

	driver := &fakeDriver{status: &container.Status{AppID: "app-1", CPUPercent: 95, MemoryUsageBytes: 1, MemoryLimitBytes: 100}}
	ps := pubsub.NewMemoryPubSub()
	mon := New(st, driver, ps, time.Second)

	ch, cleanup := ps.Subscribe(context.Background(), "resourcemonitor.app-1")
	defer cleanup()

	mon.sampleAll(context.Background())

	select {
	case data := <-ch:
		assert.Contains(t, string(data), "critical")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for threshold_breach event")
	}
}

func TestSkipsAppsNotRunning(t *testing.T) {
	st := newTestStore(t)
	app := runningApp("app-1")
	app.Status = enum.AppStatusStopped
	require.NoError(t, st.CreateApplication(context.Background(), app))

	driver := &fakeDriver{status: &container.Status{AppID: "app-1"}}
	mon := New(st, driver, pubsub.NewMemoryPubSub(), time.Second)

	mon.sampleAll(context.Background())
	assert.Empty(t, mon.Tail("app-1", 10))
}
