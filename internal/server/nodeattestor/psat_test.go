package nodeattestor_test

import (
	"context"
	"testing"

	authenticationv1 "k8s.io/api/authentication/v1"

	"github.com/pocket/hexagon/identityplane/internal/domain"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/pocket/hexagon/identityplane/internal/server/nodeattestor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReviewer struct {
	result *authenticationv1.TokenReview
	err    error
}

func (f fakeReviewer) CreateTokenReview(ctx context.Context, review *authenticationv1.TokenReview) (*authenticationv1.TokenReview, error) {
	return f.result, f.err
}

type fakeNodeLabels struct {
	labels map[string]string
}

func (f fakeNodeLabels) NodeLabels(ctx context.Context, nodeName string) (map[string]string, error) {
	return f.labels, nil
}

func authenticatedReview(namespace, sa, nodeName string) *authenticationv1.TokenReview {
	extra := map[string]authenticationv1.ExtraValue{}
	if nodeName != "" {
		extra["authentication.kubernetes.io/node-name"] = authenticationv1.ExtraValue{nodeName}
	}
	return &authenticationv1.TokenReview{
		Status: authenticationv1.TokenReviewStatus{
			Authenticated: true,
			User: authenticationv1.UserInfo{
				Username: "system:serviceaccount:" + namespace + ":" + sa,
				Extra:    extra,
			},
		},
	}
}

func TestPSATAttestor_Verify_EmitsSpecSelectorVocabulary(t *testing.T) {
	ctx := context.Background()
	reviewer := fakeReviewer{result: authenticatedReview("edge", "agent-sa", "node-1")}
	labels := fakeNodeLabels{labels: map[string]string{"zone": "us-west", "ignored": "x"}}

	attestor := nodeattestor.NewPSATAttestor(reviewer, labels, nodeattestor.Config{
		ClusterName:          "prod",
		Audience:             "identityplane",
		AllowedNodeLabelKeys: []string{"zone"},
	})

	selectors, err := attestor.Verify(ctx, ports.NodeEvidence{Token: "tok"})
	require.NoError(t, err)

	assert.Contains(t, selectors, "CLUSTER:prod")
	assert.Contains(t, selectors, "AGENTSERVICEACCOUNT:agent-sa")
	assert.Contains(t, selectors, "AGENTNAMESPACE:edge")
	assert.Contains(t, selectors, "NODENAME:node-1")
	assert.Contains(t, selectors, "NODELABEL:zone:us-west")
	for _, s := range selectors {
		assert.NotContains(t, s, "ignored", "only allow-listed node label keys become selectors")
	}
}

func TestPSATAttestor_Verify_RejectsUnauthenticatedToken(t *testing.T) {
	ctx := context.Background()
	reviewer := fakeReviewer{result: &authenticationv1.TokenReview{Status: authenticationv1.TokenReviewStatus{Authenticated: false}}}
	attestor := nodeattestor.NewPSATAttestor(reviewer, nil, nodeattestor.Config{ClusterName: "prod", Audience: "identityplane"})

	_, err := attestor.Verify(ctx, ports.NodeEvidence{Token: "tok"})
	require.ErrorIs(t, err, domain.ErrInvalidEvidence)
}

func TestPSATAttestor_Verify_RejectsServiceAccountNotAllowListed(t *testing.T) {
	ctx := context.Background()
	reviewer := fakeReviewer{result: authenticatedReview("edge", "other-sa", "")}
	attestor := nodeattestor.NewPSATAttestor(reviewer, nil, nodeattestor.Config{
		ClusterName:             "prod",
		Audience:                "identityplane",
		ServiceAccountAllowList: []string{"edge:agent-sa"},
	})

	_, err := attestor.Verify(ctx, ports.NodeEvidence{Token: "tok"})
	require.ErrorIs(t, err, domain.ErrAttestationRejected)
}

func TestPSATAttestor_Name(t *testing.T) {
	attestor := nodeattestor.NewPSATAttestor(fakeReviewer{}, nil, nodeattestor.Config{})
	assert.Equal(t, "k8s_psat", attestor.Name())
}
