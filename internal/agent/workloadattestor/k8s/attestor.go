// Package k8s implements the canonical workload attestor (spec §4.9
// "WorkloadApi"): map a PID to its container's cgroup, look up the owning
// pod on the local node, and derive PODLABEL/PODNAME/SERVICEACCOUNT
// selectors from it.
package k8s

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// containerIDPattern matches a 64-hex container id that directly follows a
// docker, cri-containerd, or crio prefix and a '-' or ':' separator, as in
// systemd-driver names like docker-<id>.scope or crio-<id>.scope. A cgroupfs
// path whose last segment is the bare id (/kubepods/.../<id>) is not matched.
var containerIDPattern = regexp.MustCompile(`(?:docker|cri-containerd|crio)[-:]([0-9a-f]{64})`)

// PodInfo is the subset of a Kubernetes pod an Attestor needs.
type PodInfo struct {
	Namespace          string
	Name               string
	ServiceAccountName string
	Labels             map[string]string
}

// PodFinder resolves the pod that owns a given container id, scoped to the
// node the agent runs on. Backed by k8s.io/client-go in production,
// faked in tests.
type PodFinder interface {
	FindPodByContainerID(ctx context.Context, containerID string) (PodInfo, error)
}

// Attestor implements ports.WorkloadAttestorPlugin for Kubernetes
// workloads, restricted to an operator-controlled allow-list of pod label
// keys (spec §6 node-attestation-config.content.allowed_pod_label_keys,
// reused here for workload-side labels).
type Attestor struct {
	pods                PodFinder
	cgroupPath          func(pid int) string
	allowedPodLabelKeys map[string]struct{}
}

// New constructs a k8s workload Attestor.
func New(pods PodFinder, allowedPodLabelKeys []string) *Attestor {
	allow := make(map[string]struct{}, len(allowedPodLabelKeys))
	for _, k := range allowedPodLabelKeys {
		allow[k] = struct{}{}
	}
	return &Attestor{
		pods:                pods,
		cgroupPath:          func(pid int) string { return fmt.Sprintf("/proc/%d/cgroup", pid) },
		allowedPodLabelKeys: allow,
	}
}

// Name implements ports.WorkloadAttestorPlugin.
func (a *Attestor) Name() string { return "k8s" }

// Attest implements ports.WorkloadAttestorPlugin.
func (a *Attestor) Attest(ctx context.Context, workload ports.ProcessIdentity) ([]string, error) {
	containerID, err := a.containerIDForPID(workload.PID)
	if err != nil {
		return nil, fmt.Errorf("k8s workload attestor: %w", err)
	}

	pod, err := a.pods.FindPodByContainerID(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("k8s workload attestor: %w", err)
	}

	selectors := []string{
		fmt.Sprintf("PODNS:%s", pod.Namespace),
		fmt.Sprintf("PODNAME:%s", pod.Name),
		fmt.Sprintf("SERVICEACCOUNT:%s", pod.ServiceAccountName),
	}
	for k, v := range pod.Labels {
		if _, allowed := a.allowedPodLabelKeys[k]; allowed {
			selectors = append(selectors, fmt.Sprintf("PODLABEL:%s:%s", k, v))
		}
	}
	return selectors, nil
}

func (a *Attestor) containerIDForPID(pid int) (string, error) {
	// #nosec G304 - path is built from a kernel-verified pid, not request input
	f, err := os.Open(a.cgroupPath(pid))
	if err != nil {
		return "", fmt.Errorf("read cgroup for pid %d: %w", pid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := containerIDPattern.FindStringSubmatch(scanner.Text()); m != nil {
			return m[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan cgroup for pid %d: %w", pid, err)
	}
	return "", fmt.Errorf("no container id found in cgroup for pid %d", pid)
}

var _ ports.WorkloadAttestorPlugin = (*Attestor)(nil)
