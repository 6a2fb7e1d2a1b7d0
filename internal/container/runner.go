package container

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	containerNamePrefix = "edgeruntime-app-"

	labelAppID   = "appId"
	labelRuntime = "runtime"
	labelValue   = "vehicle-edge"

	defaultNetwork     = "edgeruntime"
	defaultStopTimeout = 15 * time.Second
)

// Spec describes the container an app should be materialized into.
type Spec struct {
	AppID       string
	Image       string
	Cmd         []string
	Env         map[string]string
	Mounts      []MountSpec
	MemoryBytes int64
	CPUQuota    float64 // fraction of one CPU, e.g. 0.5 == 50%
	Network     string
}

// MountSpec is a single bind or volume mount for a Spec.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Status is a point-in-time snapshot of a managed container.
type Status struct {
	AppID          string
	ContainerID    string
	Running        bool
	ExitCode       int
	StartedAt      *time.Time
	FinishedAt     *time.Time
	ErrorMessage   string
	IPAddress      string
	CPUPercent     float64
	MemoryUsageBytes int64
	MemoryLimitBytes int64
	NetworkRxBytes   int64
	NetworkTxBytes   int64
	DiskUsageBytes   int64
}

// DriverError wraps a container operation failure with whether retrying is
// likely to succeed.
type DriverError struct {
	Operation string
	AppID     string
	Err       error
	Retryable bool
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("container: %s(%s): %v", e.Operation, e.AppID, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

func newDriverError(op, appID string, err error, retryable bool) *DriverError {
	return &DriverError{Operation: op, AppID: appID, Err: err, Retryable: retryable}
}

// ErrNotFound is returned when a managed container cannot be located.
var ErrNotFound = fmt.Errorf("container not found")

// Driver is the narrow surface the App Supervisor and Resource Monitor use
// to manage app containers. It is implemented by Runtime below for real
// Docker daemons, with an opaque passthrough path for AppType=container.
type Driver interface {
	Create(ctx context.Context, spec Spec) (containerID string, err error)
	Start(ctx context.Context, appID string) error
	Stop(ctx context.Context, appID string) error
	Remove(ctx context.Context, appID string) error
	Inspect(ctx context.Context, appID string) (*Status, error)
	Wait(ctx context.Context, appID string) (exitCode int, err error)
	Logs(ctx context.Context, appID string, follow bool, tail int) (io.ReadCloser, error)
	Stats(ctx context.Context, appID string) (*Status, error)
	ListByLabel(ctx context.Context, label string) ([]string, error)
	ListManaged(ctx context.Context) (map[string]string, error)
	Passthrough(ctx context.Context, appID string, tokens []string) (containerID string, err error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Runtime implements Driver against a real Docker Engine daemon.
type Runtime struct {
	client *client.Client
	config *Config
}

var _ Driver = (*Runtime)(nil)

// NewRuntime builds a Docker client from config and wraps it as a Driver.
func NewRuntime(ctx context.Context, config *Config) (*Runtime, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []client.Opt{
		client.WithHost(config.Host),
		client.WithAPIVersionNegotiation(),
	}
	if config.APIVersion != "" {
		opts = append(opts, client.WithVersion(config.APIVersion))
	}

	if config.TLS != nil {
		tlsConfig, err := loadTLSConfig(config)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		}))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &Runtime{client: cli, config: config}, nil
}

// Create ensures the runtime network exists, pulls the image, and creates
// (but does not start) the container for spec.
func (r *Runtime) Create(ctx context.Context, spec Spec) (string, error) {
	if err := r.ensureNetwork(ctx); err != nil {
		return "", newDriverError("Create", spec.AppID, err, true)
	}
	if err := r.pullImage(ctx, spec.Image); err != nil {
		return "", newDriverError("Create", spec.AppID, err, true)
	}

	containerConfig := r.buildContainerConfig(spec)
	hostConfig := r.buildHostConfig(spec)
	networkConfig := r.buildNetworkConfig(spec)

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, containerName(spec.AppID))
	if err != nil {
		return "", newDriverError("Create", spec.AppID, err, true)
	}
	return resp.ID, nil
}

func (r *Runtime) Start(ctx context.Context, appID string) error {
	id, err := r.findContainer(ctx, appID)
	if err != nil {
		return newDriverError("Start", appID, err, false)
	}
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return newDriverError("Start", appID, err, true)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, appID string) error {
	id, err := r.findContainer(ctx, appID)
	if err != nil {
		return newDriverError("Stop", appID, err, false)
	}
	timeout := int(defaultStopTimeout.Seconds())
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return newDriverError("Stop", appID, err, true)
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, appID string) error {
	id, err := r.findContainer(ctx, appID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return newDriverError("Remove", appID, err, false)
	}
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return newDriverError("Remove", appID, err, true)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, appID string) (*Status, error) {
	id, err := r.findContainer(ctx, appID)
	if err != nil {
		return nil, newDriverError("Inspect", appID, err, false)
	}

	inspect, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, newDriverError("Inspect", appID, err, true)
	}

	status := &Status{
		AppID:       appID,
		ContainerID: inspect.ID,
		Running:     inspect.State.Running,
		ExitCode:    inspect.State.ExitCode,
	}

	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !t.IsZero() {
			status.StartedAt = &t
		}
	}
	if inspect.State.FinishedAt != "" && inspect.State.FinishedAt != "0001-01-01T00:00:00Z" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			status.FinishedAt = &t
		}
	}
	if inspect.State.Error != "" {
		status.ErrorMessage = inspect.State.Error
	}
	for _, n := range inspect.NetworkSettings.Networks {
		if n.IPAddress != "" {
			status.IPAddress = n.IPAddress
			break
		}
	}

	return status, nil
}

func (r *Runtime) Wait(ctx context.Context, appID string) (int, error) {
	id, err := r.findContainer(ctx, appID)
	if err != nil {
		return 0, newDriverError("Wait", appID, err, false)
	}

	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, newDriverError("Wait", appID, err, true)
	case res := <-statusCh:
		return int(res.StatusCode), nil
	case <-ctx.Done():
		return 0, newDriverError("Wait", appID, ctx.Err(), false)
	}
}

func (r *Runtime) Logs(ctx context.Context, appID string, follow bool, tail int) (io.ReadCloser, error) {
	id, err := r.findContainer(ctx, appID)
	if err != nil {
		return nil, newDriverError("Logs", appID, err, false)
	}

	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: false,
	}
	if tail > 0 {
		logOpts.Tail = strconv.Itoa(tail)
	}

	logs, err := r.client.ContainerLogs(ctx, id, logOpts)
	if err != nil {
		return nil, newDriverError("Logs", appID, err, true)
	}
	return logs, nil
}

// Stats returns a Status populated with a single resource sample, using the
// exact CPU% derivation the teacher's Docker runner uses:
// delta(container total_usage) / delta(system_usage) * online CPUs * 100.
func (r *Runtime) Stats(ctx context.Context, appID string) (*Status, error) {
	id, err := r.findContainer(ctx, appID)
	if err != nil {
		return nil, newDriverError("Stats", appID, err, false)
	}

	resp, err := r.client.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, newDriverError("Stats", appID, err, true)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, newDriverError("Stats", appID, err, true)
	}

	status := &Status{AppID: appID, ContainerID: id}
	status.MemoryUsageBytes = int64(stats.MemoryStats.Usage)
	status.MemoryLimitBytes = int64(stats.MemoryStats.Limit)

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if systemDelta > 0 {
		numCPUs := len(stats.CPUStats.CPUUsage.PercpuUsage)
		if numCPUs == 0 {
			numCPUs = int(stats.CPUStats.OnlineCPUs)
		}
		if numCPUs == 0 {
			numCPUs = 1
		}
		status.CPUPercent = (cpuDelta / systemDelta) * float64(numCPUs) * 100.0
	}

	for _, net := range stats.Networks {
		status.NetworkRxBytes += int64(net.RxBytes)
		status.NetworkTxBytes += int64(net.TxBytes)
	}

	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "read", "Read":
			status.DiskUsageBytes += int64(entry.Value)
		case "write", "Write":
			status.DiskUsageBytes += int64(entry.Value)
		}
	}

	return status, nil
}

// ListByLabel lists container ids of every container carrying label=value
// (e.g. "runtime=vehicle-edge"), mirroring the teacher's ListBots filter.
func (r *Runtime) ListByLabel(ctx context.Context, label string) ([]string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", label)

	containers, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, newDriverError("ListByLabel", "", err, true)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// ListManaged returns every runtime-managed container's app_id mapped to
// its container id, derived from the appId label, for boot-time orphan
// reconciliation against the Store.
func (r *Runtime) ListManaged(ctx context.Context) (map[string]string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelRuntime+"="+labelValue)

	containers, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, newDriverError("ListManaged", "", err, true)
	}

	managed := make(map[string]string, len(containers))
	for _, c := range containers {
		appID := c.Labels[labelAppID]
		if appID == "" {
			continue
		}
		managed[appID] = c.ID
	}
	return managed, nil
}

// Passthrough runs `docker <tokens...>` via the CLI for AppType=container
// apps whose manifest supplies a raw docker command line instead of a
// managed Spec. It captures the container id from stdout when the first
// token is run/create; otherwise the returned id is empty.
func (r *Runtime) Passthrough(ctx context.Context, appID string, tokens []string) (string, error) {
	if len(tokens) == 0 {
		return "", newDriverError("Passthrough", appID, fmt.Errorf("empty docker command"), false)
	}

	cmd := exec.CommandContext(ctx, "docker", tokens...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", newDriverError("Passthrough", appID, fmt.Errorf("%w: %s", err, stderr.String()), true)
	}

	switch tokens[0] {
	case "run", "create":
		return strings.TrimSpace(stdout.String()), nil
	default:
		return "", nil
	}
}

func (r *Runtime) HealthCheck(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return newDriverError("HealthCheck", "", err, true)
	}
	return nil
}

func (r *Runtime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *Runtime) buildContainerConfig(spec Spec) *container.Config {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	return &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env:   env,
		Labels: map[string]string{
			labelAppID:   spec.AppID,
			labelRuntime: labelValue,
		},
	}
}

func (r *Runtime) buildHostConfig(spec Spec) *container.HostConfig {
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}

	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	if spec.MemoryBytes > 0 {
		hostConfig.Memory = spec.MemoryBytes
	}
	if spec.CPUQuota > 0 {
		period := int64(100000)
		hostConfig.CPUPeriod = period
		hostConfig.CPUQuota = int64(float64(period) * spec.CPUQuota)
	}

	return hostConfig
}

func (r *Runtime) buildNetworkConfig(spec Spec) *network.NetworkingConfig {
	networkName := spec.Network
	if networkName == "" {
		networkName = r.config.Network
	}
	if networkName == "" {
		networkName = defaultNetwork
	}

	return &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}
}

func (r *Runtime) ensureNetwork(ctx context.Context) error {
	networkName := r.config.Network
	if networkName == "" {
		networkName = defaultNetwork
	}

	networks, err := r.client.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return err
	}
	for _, n := range networks {
		if n.Name == networkName {
			return nil
		}
	}

	_, err = r.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelRuntime: labelValue},
	})
	return err
}

func (r *Runtime) pullImage(ctx context.Context, imageName string) error {
	var authStr string
	if r.config.RegistryAuth != nil {
		authConfig := registry.AuthConfig{
			Username:      r.config.RegistryAuth.Username,
			Password:      r.config.RegistryAuth.Password,
			ServerAddress: r.config.RegistryAuth.ServerAddress,
		}
		authJSON, err := json.Marshal(authConfig)
		if err != nil {
			return err
		}
		authStr = base64.URLEncoding.EncodeToString(authJSON)
	}

	out, err := r.client.ImagePull(ctx, imageName, image.PullOptions{RegistryAuth: authStr})
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(io.Discard, out)
	return err
}

func (r *Runtime) findContainer(ctx context.Context, appID string) (string, error) {
	if inspect, err := r.client.ContainerInspect(ctx, containerName(appID)); err == nil {
		return inspect.ID, nil
	}
	if inspect, err := r.client.ContainerInspect(ctx, appID); err == nil {
		return inspect.ID, nil
	}

	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelAppID+"="+appID)
	containers, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", ErrNotFound
	}
	return containers[0].ID, nil
}

func containerName(appID string) string {
	return containerNamePrefix + appID
}

func loadTLSConfig(config *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	cert, err := tls.X509KeyPair([]byte(config.TLS.CertPEM), []byte(config.TLS.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate from PEM: %w", err)
	}
	tlsConfig.Certificates = []tls.Certificate{cert}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM([]byte(config.TLS.CAPEM)) {
		return nil, fmt.Errorf("failed to append CA certificate from PEM")
	}
	tlsConfig.RootCAs = caCertPool
	tlsConfig.ServerName = dockerHostname(config.Host)

	return tlsConfig, nil
}
