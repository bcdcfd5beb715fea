// Package nodeattestor implements server-side node attestation: the PSAT
// (Projected Service Account Token) plugin and the attestation state
// machine that drives it (spec §4.7 "Node Attestation").
package nodeattestor

import (
	"context"
	"fmt"
	"strings"

	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

// TokenReviewer is the subset of k8s.io/client-go's
// AuthenticationV1Interface a PSATAttestor needs, kept narrow so fakes in
// tests don't need a full clientset.
type TokenReviewer interface {
	CreateTokenReview(ctx context.Context, review *authenticationv1.TokenReview) (*authenticationv1.TokenReview, error)
}

// PSATAttestor implements ports.NodeAttestorPlugin by submitting the
// agent's projected service account token to the Kubernetes TokenReview
// API and deriving node selectors from the reviewed identity.
type PSATAttestor struct {
	reviewer                TokenReviewer
	clusterName             string
	audience                string
	serviceAccountAllowList map[string]struct{}
	nodeInfo                NodeLabelLookup
	allowedNodeLabelKeys    map[string]struct{}
}

// NodeLabelLookup resolves the Kubernetes node labels for a node name, used
// to derive NODELABEL selectors restricted to an operator allow-list (spec
// §4.7 "selector set").
type NodeLabelLookup interface {
	NodeLabels(ctx context.Context, nodeName string) (map[string]string, error)
}

// Config configures a PSATAttestor from the node-attestation-config.content
// section of the server config (spec §6).
type Config struct {
	ClusterName             string
	Audience                string
	ServiceAccountAllowList []string
	AllowedNodeLabelKeys    []string
}

// NewPSATAttestor constructs a PSATAttestor.
func NewPSATAttestor(reviewer TokenReviewer, nodeInfo NodeLabelLookup, cfg Config) *PSATAttestor {
	allowSA := make(map[string]struct{}, len(cfg.ServiceAccountAllowList))
	for _, sa := range cfg.ServiceAccountAllowList {
		allowSA[sa] = struct{}{}
	}
	allowLabels := make(map[string]struct{}, len(cfg.AllowedNodeLabelKeys))
	for _, k := range cfg.AllowedNodeLabelKeys {
		allowLabels[k] = struct{}{}
	}
	return &PSATAttestor{
		reviewer:                reviewer,
		clusterName:             cfg.ClusterName,
		audience:                cfg.Audience,
		serviceAccountAllowList: allowSA,
		nodeInfo:                nodeInfo,
		allowedNodeLabelKeys:    allowLabels,
	}
}

// Name implements ports.NodeAttestorPlugin.
func (p *PSATAttestor) Name() string { return "k8s_psat" }

// Verify implements ports.NodeAttestorPlugin, submitting the PSAT to the
// API server for signature/audience/expiry verification and turning the
// reviewed identity into a selector set.
func (p *PSATAttestor) Verify(ctx context.Context, evidence ports.NodeEvidence) ([]string, error) {
	review := &authenticationv1.TokenReview{
		Spec: authenticationv1.TokenReviewSpec{
			Token:     evidence.Token,
			Audiences: []string{p.audience},
		},
	}
	result, err := p.reviewer.CreateTokenReview(ctx, review)
	if err != nil {
		return nil, fmt.Errorf("nodeattestor: token review: %w", err)
	}
	if !result.Status.Authenticated {
		return nil, fmt.Errorf("%w: token not authenticated", domain.ErrInvalidEvidence)
	}

	namespace, saName, err := parseServiceAccountUsername(result.Status.User.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvidence, err)
	}
	qualifiedSA := namespace + ":" + saName
	if len(p.serviceAccountAllowList) > 0 {
		if _, ok := p.serviceAccountAllowList[qualifiedSA]; !ok {
			return nil, fmt.Errorf("%w: service account %s is not allow-listed", domain.ErrAttestationRejected, qualifiedSA)
		}
	}

	nodeName := extraValue(result.Status.User.Extra, "authentication.kubernetes.io/node-name")

	selectors := []string{
		fmt.Sprintf("CLUSTER:%s", p.clusterName),
		fmt.Sprintf("AGENTSERVICEACCOUNT:%s", saName),
		fmt.Sprintf("AGENTNAMESPACE:%s", namespace),
	}
	if nodeName != "" {
		selectors = append(selectors, fmt.Sprintf("NODENAME:%s", nodeName))
		selectors = append(selectors, p.nodeLabelSelectors(ctx, nodeName)...)
	}
	return selectors, nil
}

func (p *PSATAttestor) nodeLabelSelectors(ctx context.Context, nodeName string) []string {
	if p.nodeInfo == nil || len(p.allowedNodeLabelKeys) == 0 {
		return nil
	}
	labels, err := p.nodeInfo.NodeLabels(ctx, nodeName)
	if err != nil {
		return nil
	}
	var out []string
	for k, v := range labels {
		if _, allowed := p.allowedNodeLabelKeys[k]; allowed {
			out = append(out, fmt.Sprintf("NODELABEL:%s:%s", k, v))
		}
	}
	return out
}

// parseServiceAccountUsername splits the TokenReview username
// "system:serviceaccount:<namespace>:<name>" into its parts.
func parseServiceAccountUsername(username string) (namespace, name string, err error) {
	parts := strings.Split(username, ":")
	if len(parts) != 4 || parts[0] != "system" || parts[1] != "serviceaccount" {
		return "", "", fmt.Errorf("unexpected token review username %q", username)
	}
	return parts[2], parts[3], nil
}

func extraValue(extra map[string]authenticationv1.ExtraValue, key string) string {
	if v, ok := extra[key]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

var _ ports.NodeAttestorPlugin = (*PSATAttestor)(nil)

// staticTokenReview adapts a real clientset to TokenReviewer.
type staticTokenReview struct {
	create func(ctx context.Context, review *authenticationv1.TokenReview, opts metav1.CreateOptions) (*authenticationv1.TokenReview, error)
}

func (s staticTokenReview) CreateTokenReview(ctx context.Context, review *authenticationv1.TokenReview) (*authenticationv1.TokenReview, error) {
	return s.create(ctx, review, metav1.CreateOptions{})
}

// NewClientsetReviewer adapts a k8s.io/client-go AuthenticationV1Interface
// TokenReviews() client to the narrow TokenReviewer port.
func NewClientsetReviewer(create func(ctx context.Context, review *authenticationv1.TokenReview, opts metav1.CreateOptions) (*authenticationv1.TokenReview, error)) TokenReviewer {
	return staticTokenReview{create: create}
}
