// Package k8s provides the default Nodepool implementation: node sets are
// Kubernetes Jobs that hold a pod alive for the executor to target. It is
// a reference implementation of the collaborator interface; deployments
// with a dedicated node provider swap it out.
package k8s

import (
	"context"
	"fmt"
	"strconv"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sharederrors "github.com/ridgeback/gatekeeper/pkg/shared/errors"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelBuildSet  = "gatekeeper.ridgeback.io/build-set"
	labelJobName   = "gatekeeper.ridgeback.io/job"

	annotationRelativePriority = "gatekeeper.ridgeback.io/relative-priority"

	managerName = "gatekeeper"
)

// NodepoolClient implements the Nodepool collaborator over a Kubernetes
// cluster.
type NodepoolClient struct {
	client    client.Client
	namespace string

	// Image is the node-holder image; defaults to a minimal sleeper.
	Image string
}

// NewNodepoolClient creates a client allocating node jobs in namespace.
func NewNodepoolClient(c client.Client, namespace string) *NodepoolClient {
	return &NodepoolClient{client: c, namespace: namespace, Image: "registry.k8s.io/pause:3.9"}
}

// RequestNodes creates one Job holding a node pod for jobName. The
// returned request id is the Job's name.
func (n *NodepoolClient) RequestNodes(ctx context.Context, buildSetUUID, jobName, tenant, pipeline, provider string, priority, relativePriority int) (string, error) {
	name := requestName(buildSetUUID, jobName)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: n.namespace,
			Labels: map[string]string{
				labelManagedBy: managerName,
				labelBuildSet:  buildSetUUID,
				labelJobName:   jobName,
			},
			Annotations: map[string]string{
				annotationRelativePriority: strconv.Itoa(relativePriority),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						labelManagedBy: managerName,
						labelBuildSet:  buildSetUUID,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  "node-holder",
						Image: n.Image,
					}},
				},
			},
		},
	}
	if err := n.client.Create(ctx, job); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Re-request after a lost tick: the job is already there.
			return name, nil
		}
		return "", sharederrors.FailedTo("create node job", "nodepool", name, err)
	}
	return name, nil
}

// ReviseRequest updates the relative-priority annotation on an
// outstanding request.
func (n *NodepoolClient) ReviseRequest(ctx context.Context, requestID string, relativePriority int) error {
	var job batchv1.Job
	if err := n.client.Get(ctx, types.NamespacedName{Namespace: n.namespace, Name: requestID}, &job); err != nil {
		return sharederrors.FailedTo("get node job", "nodepool", requestID, err)
	}
	if job.Annotations == nil {
		job.Annotations = map[string]string{}
	}
	job.Annotations[annotationRelativePriority] = strconv.Itoa(relativePriority)
	if err := n.client.Update(ctx, &job); err != nil {
		return sharederrors.FailedTo("update node job priority", "nodepool", requestID, err)
	}
	return nil
}

// GetNodeRequest reports whether the request's node job has a ready pod,
// or failing that an active one. cached
// is accepted for interface compatibility; the controller-runtime client
// already reads from its cache when one is configured.
func (n *NodepoolClient) GetNodeRequest(ctx context.Context, requestID string, cached bool) (bool, error) {
	var job batchv1.Job
	if err := n.client.Get(ctx, types.NamespacedName{Namespace: n.namespace, Name: requestID}, &job); err != nil {
		return false, sharederrors.FailedTo("get node job", "nodepool", requestID, err)
	}
	if job.Status.Ready != nil && *job.Status.Ready > 0 {
		return true, nil
	}
	return job.Status.Active > 0, nil
}

// Release deletes the node job once its builds are done.
func (n *NodepoolClient) Release(ctx context.Context, requestID string) error {
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: requestID, Namespace: n.namespace},
	}
	propagation := metav1.DeletePropagationBackground
	if err := n.client.Delete(ctx, job, &client.DeleteOptions{PropagationPolicy: &propagation}); err != nil && !apierrors.IsNotFound(err) {
		return sharederrors.FailedTo("delete node job", "nodepool", requestID, err)
	}
	return nil
}

func requestName(buildSetUUID, jobName string) string {
	short := buildSetUUID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("node-%s-%s", short, jobName)
}
