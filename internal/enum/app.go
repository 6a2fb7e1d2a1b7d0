// Package enum holds the small closed vocabularies shared across the
// Application Lifecycle Core: app type, status, lifecycle state, restart
// policy, log stream kind, and dependency kind.
package enum

// AppType constrains how an Application is materialized and run.
type AppType string

const (
	AppTypePython    AppType = "python"
	AppTypeBinary    AppType = "binary"
	AppTypeContainer AppType = "container"
)

// Values returns all possible AppType values.
func (AppType) Values() []string {
	return []string{string(AppTypePython), string(AppTypeBinary), string(AppTypeContainer)}
}

func (t AppType) Valid() bool {
	switch t {
	case AppTypePython, AppTypeBinary, AppTypeContainer:
		return true
	}
	return false
}

// AppStatus mirrors the externally visible status of an Application record.
// It is kept in sync with LifecycleState inside a single Store transaction
// per transition (spec.md §3 invariants).
type AppStatus string

const (
	AppStatusInstalled AppStatus = "installed"
	AppStatusStarting  AppStatus = "starting"
	AppStatusRunning   AppStatus = "running"
	AppStatusStopping  AppStatus = "stopping"
	AppStatusStopped   AppStatus = "stopped"
	AppStatusError     AppStatus = "error"
)

func (AppStatus) Values() []string {
	return []string{
		string(AppStatusInstalled), string(AppStatusStarting), string(AppStatusRunning),
		string(AppStatusStopping), string(AppStatusStopped), string(AppStatusError),
	}
}

// LifecycleState is the Supervisor's state machine alphabet (spec.md §4.4).
// It is a superset of AppStatus: Paused has no AppStatus equivalent and is
// reported as-is through get_app_status.
type LifecycleState string

const (
	StateInstalled LifecycleState = "installed"
	StateStarting  LifecycleState = "starting"
	StateRunning   LifecycleState = "running"
	StateStopping  LifecycleState = "stopping"
	StateStopped   LifecycleState = "stopped"
	StateError     LifecycleState = "error"
	StatePaused    LifecycleState = "paused"
)

// AppStatus projects a LifecycleState onto the persisted Application.status
// vocabulary; Paused projects to Running since pausing keeps the container
// resident and "running" from the operator's point of view.
func (s LifecycleState) AppStatus() AppStatus {
	if s == StatePaused {
		return AppStatusRunning
	}
	return AppStatus(s)
}

// Terminal reports whether no further automatic transition leaves this state.
func (s LifecycleState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// RestartPolicy governs what happens when a container exits with a non-zero
// code while the Supervisor is in LifecycleState Running.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
)

func (RestartPolicy) Values() []string {
	return []string{string(RestartNever), string(RestartOnFailure), string(RestartAlways)}
}

// StreamKind identifies which stream a LogLine was captured from.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
	StreamSystem StreamKind = "system"
)

// DependencyKind identifies the kind of precheck Dependency row.
type DependencyKind string

const (
	DependencyPythonPkg      DependencyKind = "python_pkg"
	DependencyVehicleSignal DependencyKind = "vehicle_signal"
)

// AlarmSeverity classifies a Resource Monitor threshold_breach event.
type AlarmSeverity string

const (
	SeverityWarning  AlarmSeverity = "warning"
	SeverityCritical AlarmSeverity = "critical"
)
