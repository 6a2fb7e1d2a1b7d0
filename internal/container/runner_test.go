package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerName(t *testing.T) {
	assert.Equal(t, "edgeruntime-app-abc123", containerName("abc123"))
}

func TestDriverErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	derr := newDriverError("Start", "app-1", inner, true)

	assert.ErrorIs(t, derr, assert.AnError)
	assert.Contains(t, derr.Error(), "Start")
	assert.Contains(t, derr.Error(), "app-1")
	assert.True(t, derr.Retryable)
}

func TestRuntimeBuildContainerConfig(t *testing.T) {
	r := &Runtime{config: &Config{Network: "edgeruntime"}}

	spec := Spec{
		AppID: "app-1",
		Image: "alpine:3.19",
		Cmd:   []string{"/bin/app"},
		Env:   map[string]string{"VEHICLE_ID": "vin-123"},
	}

	cfg := r.buildContainerConfig(spec)
	assert.Equal(t, "alpine:3.19", cfg.Image)
	assert.Equal(t, "app-1", cfg.Labels[labelAppID])
	assert.Equal(t, labelValue, cfg.Labels[labelRuntime])
	assert.Contains(t, cfg.Env, "VEHICLE_ID=vin-123")
}

func TestRuntimeBuildHostConfigResourceLimits(t *testing.T) {
	r := &Runtime{config: &Config{}}

	spec := Spec{
		AppID:       "app-1",
		MemoryBytes: 128 * 1024 * 1024,
		CPUQuota:    0.5,
	}

	hc := r.buildHostConfig(spec)
	assert.Equal(t, int64(128*1024*1024), hc.Memory)
	assert.Equal(t, int64(100000), hc.CPUPeriod)
	assert.Equal(t, int64(50000), hc.CPUQuota)
}

func TestRuntimeBuildNetworkConfigDefaultsToConfiguredNetwork(t *testing.T) {
	r := &Runtime{config: &Config{Network: "custom-net"}}

	nc := r.buildNetworkConfig(Spec{AppID: "app-1"})
	_, ok := nc.EndpointsConfig["custom-net"]
	assert.True(t, ok)
}
