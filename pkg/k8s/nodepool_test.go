package k8s_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/ridgeback/gatekeeper/pkg/k8s"
)

func TestNodepool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Nodepool Suite")
}

var _ = Describe("NodepoolClient", func() {
	var (
		ctx      context.Context
		c        client.WithWatch
		nodepool *k8s.NodepoolClient
	)

	BeforeEach(func() {
		ctx = context.Background()
		scheme := runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
		c = fake.NewClientBuilder().WithScheme(scheme).WithStatusSubresource(&batchv1.Job{}).Build()
		nodepool = k8s.NewNodepoolClient(c, "gatekeeper-nodes")
	})

	It("creates a node job per request and returns its name", func() {
		id, err := nodepool.RequestNodes(ctx, "bs-12345678-rest", "j1", "tenant1", "gate", "", 0, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal("node-bs-12345-j1"))

		var job batchv1.Job
		Expect(c.Get(ctx, types.NamespacedName{Namespace: "gatekeeper-nodes", Name: id}, &job)).To(Succeed())
		Expect(job.Annotations).To(HaveKeyWithValue("gatekeeper.ridgeback.io/relative-priority", "2"))
	})

	It("tolerates a repeated request for the same build set and job", func() {
		_, err := nodepool.RequestNodes(ctx, "bs-1", "j1", "tenant1", "gate", "", 0, 0)
		Expect(err).ToNot(HaveOccurred())
		id, err := nodepool.RequestNodes(ctx, "bs-1", "j1", "tenant1", "gate", "", 0, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal("node-bs-1-j1"))
	})

	It("revises the relative priority in place", func() {
		id, err := nodepool.RequestNodes(ctx, "bs-1", "j1", "tenant1", "gate", "", 0, 5)
		Expect(err).ToNot(HaveOccurred())

		Expect(nodepool.ReviseRequest(ctx, id, 0)).To(Succeed())

		var job batchv1.Job
		Expect(c.Get(ctx, types.NamespacedName{Namespace: "gatekeeper-nodes", Name: id}, &job)).To(Succeed())
		Expect(job.Annotations).To(HaveKeyWithValue("gatekeeper.ridgeback.io/relative-priority", "0"))
	})

	It("reports fulfillment once the node pod is ready", func() {
		id, err := nodepool.RequestNodes(ctx, "bs-1", "j1", "tenant1", "gate", "", 0, 0)
		Expect(err).ToNot(HaveOccurred())

		fulfilled, err := nodepool.GetNodeRequest(ctx, id, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(fulfilled).To(BeFalse())

		var job batchv1.Job
		Expect(c.Get(ctx, types.NamespacedName{Namespace: "gatekeeper-nodes", Name: id}, &job)).To(Succeed())
		job.Status.Ready = ptr.To(int32(1))
		Expect(c.Status().Update(ctx, &job)).To(Succeed())

		fulfilled, err = nodepool.GetNodeRequest(ctx, id, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(fulfilled).To(BeTrue())
	})

	It("releases a node job and tolerates double release", func() {
		id, err := nodepool.RequestNodes(ctx, "bs-1", "j1", "tenant1", "gate", "", 0, 0)
		Expect(err).ToNot(HaveOccurred())

		Expect(nodepool.Release(ctx, id)).To(Succeed())
		Expect(nodepool.Release(ctx, id)).To(Succeed())
	})
})
