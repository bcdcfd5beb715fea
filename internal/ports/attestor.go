package ports

import "context"

// NodeEvidence is the server-side view of node-attestation evidence
// submitted by an agent. Plugin is selected by configuration
// (node-attestation-config.type, spec §6); Token carries the raw evidence
// (e.g. a PSAT).
type NodeEvidence struct {
	Plugin string
	Token  string
}

// NodeAttestorPlugin validates node-attestation evidence and extracts the
// selectors it proves (spec §4.7). The canonical plugin is PSAT.
//
// Error contract: Verify returns domain.ErrInvalidEvidence for malformed
// input, domain.ErrAttestationRejected when the plugin's trust checks
// fail. Replay of an already-seen jti is rejected by nodeattestor.Server
// with domain.ErrReplayedEvidence before Verify is called.
type NodeAttestorPlugin interface {
	// Name returns the plugin's configuration name, e.g. "k8s_psat".
	Name() string

	// Verify validates evidence and returns the selector values it proves.
	Verify(ctx context.Context, evidence NodeEvidence) ([]string, error)
}

// ProcessIdentity is the OS-level identity of a workload process attested
// locally by the agent (spec §4.11).
type ProcessIdentity struct {
	PID  int
	UID  int
	GID  int
	Path string
}

// WorkloadAttestorPlugin resolves OS-level process identity into the
// selectors a workload attestation plugin can prove (spec §4.11). The
// canonical plugin maps PID -> cgroup -> pod -> labels on Kubernetes.
type WorkloadAttestorPlugin interface {
	// Name returns the plugin's configuration name, e.g. "k8s".
	Name() string

	// Attest resolves selector values for the given process.
	Attest(ctx context.Context, workload ProcessIdentity) ([]string, error)
}
