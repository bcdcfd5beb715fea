package k8s

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PodLister is the subset of a k8s.io/client-go CoreV1Interface a
// ClientsetPodFinder needs.
type PodLister interface {
	ListPods(ctx context.Context, nodeName string, opts metav1.ListOptions) (*corev1.PodList, error)
}

// ClientsetPodFinder implements PodFinder against a live Kubernetes API
// server, scoped to pods scheduled on nodeName (the agent's own node).
type ClientsetPodFinder struct {
	lister   PodLister
	nodeName string
}

// NewClientsetPodFinder constructs a ClientsetPodFinder.
func NewClientsetPodFinder(lister PodLister, nodeName string) *ClientsetPodFinder {
	return &ClientsetPodFinder{lister: lister, nodeName: nodeName}
}

// FindPodByContainerID implements PodFinder by listing pods on the local
// node and matching container ids reported in each pod's status. This is
// a simple linear scan; an agent tracks O(10-100) pods per node so it does
// not need an indexed cache (spec Non-goal: no cluster-wide pod cache).
func (f *ClientsetPodFinder) FindPodByContainerID(ctx context.Context, containerID string) (PodInfo, error) {
	list, err := f.lister.ListPods(ctx, f.nodeName, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + f.nodeName,
	})
	if err != nil {
		return PodInfo{}, fmt.Errorf("list pods on node %s: %w", f.nodeName, err)
	}

	for _, pod := range list.Items {
		if podHasContainer(&pod, containerID) {
			return PodInfo{
				Namespace:          pod.Namespace,
				Name:               pod.Name,
				ServiceAccountName: pod.Spec.ServiceAccountName,
				Labels:             pod.Labels,
			}, nil
		}
	}
	return PodInfo{}, fmt.Errorf("no pod on node %s has container %s", f.nodeName, containerID)
}

func podHasContainer(pod *corev1.Pod, containerID string) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if containerIDFromStatus(cs.ContainerID) == containerID {
			return true
		}
	}
	for _, cs := range pod.Status.InitContainerStatuses {
		if containerIDFromStatus(cs.ContainerID) == containerID {
			return true
		}
	}
	return false
}

// containerIDFromStatus strips the runtime prefix ("docker://", "containerd://")
// Kubernetes reports in ContainerStatus.ContainerID.
func containerIDFromStatus(id string) string {
	if i := strings.Index(id, "://"); i >= 0 {
		return id[i+3:]
	}
	return id
}
