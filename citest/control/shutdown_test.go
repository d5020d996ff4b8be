package control_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/agentcore/citest/testutil"
)

// POST /shutdown tears down the whole Manager, so it runs against its own
// dedicated server rather than the shared suite one.
var _ = Describe("POST /shutdown", func() {
	It("returns 204 immediately and stops accepting new health checks", func() {
		srv, err := testutil.StartTestServer()
		Expect(err).NotTo(HaveOccurred())
		defer srv.Stop()

		c := srv.Client()
		resp, err := c.Post(ctx, "/shutdown", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(204))

		Eventually(func() error {
			_, err := c.Get(context.Background(), "/health")
			return err
		}, 5*time.Second, 50*time.Millisecond).Should(HaveOccurred())
	})
})
