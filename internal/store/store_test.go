package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeruntime/internal/enum"
	"edgeruntime/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "edgeruntime.db")
	s, err := Open("sqlite://" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestApplicationCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app := model.Application{
		AppID:         "app-1",
		Name:          "telemetry-collector",
		Type:          enum.AppTypePython,
		Status:        enum.AppStatusInstalled,
		RestartPolicy: enum.RestartOnFailure,
		Manifest:      `{"entrypoint":"main.py"}`,
		Source:        "hub",
	}
	require.NoError(t, s.CreateApplication(ctx, app))

	got, err := s.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "telemetry-collector", got.Name)
	assert.Equal(t, enum.AppStatusInstalled, got.Status)

	require.NoError(t, s.UpdateApplicationStatus(ctx, "app-1", enum.AppStatusRunning, "container-abc"))
	got, err = s.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, enum.AppStatusRunning, got.Status)
	assert.Equal(t, "container-abc", got.ContainerID)

	apps, err := s.ListApplications(ctx, ApplicationFilter{})
	require.NoError(t, err)
	assert.Len(t, apps, 1)

	require.NoError(t, s.DeleteApplication(ctx, "app-1"))
	_, err = s.GetApplication(ctx, "app-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListApplicationsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateApplication(ctx, model.Application{
		AppID: "telemetry", Name: "telemetry-collector", Type: enum.AppTypePython,
		Status: enum.AppStatusRunning, AutoStart: true,
	}))
	require.NoError(t, s.CreateApplication(ctx, model.Application{
		AppID: "dashboard", Name: "dashboard-ui", Type: enum.AppTypeContainer,
		Status: enum.AppStatusInstalled,
	}))

	byStatus, err := s.ListApplications(ctx, ApplicationFilter{Status: enum.AppStatusRunning})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "telemetry", byStatus[0].AppID)
	assert.True(t, byStatus[0].AutoStart)

	byType, err := s.ListApplications(ctx, ApplicationFilter{Type: enum.AppTypeContainer})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "dashboard", byType[0].AppID)

	byName, err := s.ListApplications(ctx, ApplicationFilter{NamePattern: "%dashboard%"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "dashboard", byName[0].AppID)

	none, err := s.ListApplications(ctx, ApplicationFilter{Status: enum.AppStatusError})
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := s.ListApplications(ctx, ApplicationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteApplicationCascadesRuntimeState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateApplication(ctx, model.Application{
		AppID: "app-2", Name: "x", Type: enum.AppTypeBinary, Status: enum.AppStatusInstalled,
	}))
	require.NoError(t, s.UpsertRuntimeState(ctx, model.RuntimeState{AppID: "app-2", State: enum.StateInstalled}))

	require.NoError(t, s.DeleteApplication(ctx, "app-2"))

	_, err := s.GetRuntimeState(ctx, "app-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDependenciesReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateApplication(ctx, model.Application{
		AppID: "app-3", Name: "x", Type: enum.AppTypePython, Status: enum.AppStatusInstalled,
	}))

	require.NoError(t, s.ReplaceDependencies(ctx, "app-3", []model.Dependency{
		{AppID: "app-3", Kind: enum.DependencyPythonPkg, Target: "numpy"},
		{AppID: "app-3", Kind: enum.DependencyVehicleSignal, Target: "Vehicle.Speed"},
	}))

	deps, err := s.ListDependencies(ctx, "app-3")
	require.NoError(t, err)
	assert.Len(t, deps, 2)

	require.NoError(t, s.ReplaceDependencies(ctx, "app-3", nil))
	deps, err = s.ListDependencies(ctx, "app-3")
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestLogLinesTailOrderingAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateApplication(ctx, model.Application{
		AppID: "app-4", Name: "x", Type: enum.AppTypeBinary, Status: enum.AppStatusRunning,
	}))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendLogLine(ctx, model.LogLine{
			AppID: "app-4", Stream: enum.StreamStdout, Line: "line", Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	lines, err := s.TailLogLines(ctx, "app-4", 10)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.True(t, lines[0].Timestamp.Before(lines[2].Timestamp))

	n, err := s.PruneLogLines(ctx, "app-4", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSignalSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateApplication(ctx, model.Application{
		AppID: "app-5", Name: "x", Type: enum.AppTypePython, Status: enum.AppStatusRunning,
	}))

	require.NoError(t, s.AddSignalSubscription(ctx, "app-5", "Vehicle.Speed"))
	require.NoError(t, s.AddSignalSubscription(ctx, "app-5", "Vehicle.Speed")) // idempotent

	subs, err := s.ListSubscribersForPath(ctx, "Vehicle.Speed")
	require.NoError(t, err)
	assert.Equal(t, []string{"app-5"}, subs)

	require.NoError(t, s.RemoveSignalSubscription(ctx, "app-5", "Vehicle.Speed"))
	subs, err = s.ListSubscribersForPath(ctx, "Vehicle.Speed")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
