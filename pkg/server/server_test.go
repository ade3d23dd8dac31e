package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ridgeback/gatekeeper/pkg/change"
	"github.com/ridgeback/gatekeeper/pkg/pipeline"
	"github.com/ridgeback/gatekeeper/pkg/queue"
	"github.com/ridgeback/gatekeeper/pkg/server"
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Debug Server Suite")
}

type staticStatus map[string]*pipeline.Pipeline

func (s staticStatus) Pipeline(name string) (*pipeline.Pipeline, bool) {
	p, ok := s[name]
	return p, ok
}

func (s staticStatus) PipelineNames() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	return names
}

var _ = Describe("Debug server", func() {
	var (
		handler http.Handler
		gate    *pipeline.Pipeline
	)

	BeforeEach(func() {
		gate = pipeline.NewPipeline("gate", "tenant1")
		q := queue.NewChangeQueue("acme/widget", true, 4)
		q.EnqueueChange(change.Change{
			Key:      change.Key{Connection: "gerrit", Project: "acme/widget", Branch: "main", ChangeID: "1"},
			Patchset: 1,
		}, true)
		gate.Queues = append(gate.Queues, q)

		handler = server.New(staticStatus{"gate": gate})
	})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	It("answers health checks", func() {
		rec := get("/healthz")
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("serves Prometheus metrics", func() {
		rec := get("/metrics")
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("lists pipeline names", func() {
		rec := get("/pipelines")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var names []string
		Expect(json.Unmarshal(rec.Body.Bytes(), &names)).To(Succeed())
		Expect(names).To(ConsistOf("gate"))
	})

	It("renders a pipeline snapshot with queues and items", func() {
		rec := get("/pipelines/gate")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var snap server.PipelineSnapshot
		Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
		Expect(snap.Name).To(Equal("gate"))
		Expect(snap.Queues).To(HaveLen(1))
		Expect(snap.Queues[0].Window).To(Equal(4))
		Expect(snap.Queues[0].Items).To(HaveLen(1))
		Expect(snap.Queues[0].Items[0].Phase).To(Equal("NEW"))
	})

	It("returns a safe 404 for an unknown pipeline", func() {
		rec := get("/pipelines/nope")
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).NotTo(ContainSubstring("nope"))
	})
})
