package supervisor

import (
	"encoding/json"
	"fmt"

	"edgeruntime/internal/container"
)

// appManifest is the subset of an Application's manifest JSON the
// Supervisor needs to materialize a container.Spec. The rest of the
// manifest (dependency declarations, signal subscriptions) is consumed
// elsewhere by the App Manager and Signal Gateway.
type appManifest struct {
	Image          string            `json:"image"`
	Cmd            []string          `json:"cmd"`
	Env            map[string]string `json:"env"`
	KuksaServerURL string            `json:"kuksa_server_url"`
	MemoryBytes    int64             `json:"memory_bytes"`
	CPUQuota       float64           `json:"cpu_quota"`
	// DockerCommand, when set, bypasses the managed Spec path entirely:
	// Start calls Driver.Passthrough with these tokens instead of
	// Create+Start (the AppType=container escape hatch, spec.md §4.3/§9).
	DockerCommand []string `json:"docker_command"`
	Mounts         []struct {
		Source   string `json:"source"`
		Target   string `json:"target"`
		ReadOnly bool   `json:"read_only"`
	} `json:"mounts"`
}

func parseManifest(raw string, out *appManifest) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("invalid manifest JSON: %w", err)
	}
	return nil
}

func (m appManifest) mounts() []container.MountSpec {
	specs := make([]container.MountSpec, 0, len(m.Mounts))
	for _, mt := range m.Mounts {
		specs = append(specs, container.MountSpec{Source: mt.Source, Target: mt.Target, ReadOnly: mt.ReadOnly})
	}
	return specs
}
