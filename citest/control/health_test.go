package control_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/agentcore/citest/testutil"
)

var _ = Describe("GET /health", func() {
	It("reports ok with the active session id", func() {
		resp, err := client.Get(ctx, "/health")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(200))

		var body struct {
			Status    string `json:"status"`
			Ready     bool   `json:"ready"`
			SessionID string `json:"sessionId"`
		}
		Expect(resp.JSON(&body)).To(Succeed())
		Expect(body.Status).To(Equal("ok"))
		Expect(body.Ready).To(BeTrue())
		Expect(body.SessionID).NotTo(BeEmpty())
	})

	It("accepts the ?ready=true probe", func() {
		resp, err := client.Get(ctx, "/health", testutil.WithQuery(map[string]string{"ready": "true"}))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(200))
	})
})
