package builder

import (
	"fmt"
	"sort"
)

// Labels attached to every image this system commits or builds, so later
// garbage collection can tell system-owned intermediates from unrelated
// images.
const (
	LabelManaged    = "dsmbake.managed"
	LabelRole       = "dsmbake.role"
	LabelAccel      = "dsmbake.accel"
	LabelCheckpoint = "dsmbake.checkpoint"
	LabelVendor     = "org.opencontainers.image.vendor"

	vendorName = "dsmbake"

	RoleCheckpoint = "checkpoint"
	RoleTemp       = "temp"
	RoleFinal      = "final"
)

// CommitSpec is the typed artifact metadata a stage assembles before asking
// the runtime to commit an instance: labels, environment overrides and
// exposed ports, rendered to Dockerfile-style change strings.
type CommitSpec struct {
	Comment      string
	Labels       map[string]string
	Env          map[string]string
	ExposedPorts []int
}

func baseLabels(role string) map[string]string {
	return map[string]string{
		LabelVendor:  vendorName,
		LabelManaged: "true",
		LabelRole:    role,
	}
}

// Changes renders the spec as commit change strings. Output order is
// deterministic: ENV, then EXPOSE, then LABEL, each sorted.
func (s CommitSpec) Changes() []string {
	changes := make([]string, 0, len(s.Env)+len(s.ExposedPorts)+len(s.Labels))

	for _, k := range sortedKeys(s.Env) {
		changes = append(changes, fmt.Sprintf("ENV %s=%q", k, s.Env[k]))
	}

	ports := append([]int(nil), s.ExposedPorts...)
	sort.Ints(ports)
	for _, p := range ports {
		changes = append(changes, fmt.Sprintf("EXPOSE %d", p))
	}

	for _, k := range sortedKeys(s.Labels) {
		changes = append(changes, fmt.Sprintf("LABEL %s=%q", k, s.Labels[k]))
	}

	return changes
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
