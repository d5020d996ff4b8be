package control_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/agentcore/internal/sse"
	"github.com/opencode-ai/agentcore/internal/uibridge"
)

var _ = Describe("POST /extension_ui_response", func() {
	It("returns 200 even for an id with no pending dialog", func() {
		resp, err := client.Post(ctx, "/extension_ui_response", map[string]any{
			"sessionId": "does-not-exist",
			"id":        "does-not-exist",
			"value":     "ok",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(200))
	})

	It("resolves a pending dialog on the active session's bridge", func() {
		sess, err := testServer.Manager.Active()
		Expect(err).NotTo(HaveOccurred())

		subID, ch := testServer.Hub.Subscribe()
		defer testServer.Hub.Unsubscribe(subID)

		type result struct {
			value any
			err   error
		}
		done := make(chan result, 1)
		go func() {
			v, err := sess.Bridge.Dialog(ctx, uibridge.MethodConfirm, map[string]string{"title": "probe"}, 10*time.Second, nil)
			done <- result{v, err}
		}()

		var req uibridge.Request
		Eventually(func() bool {
			select {
			case msg := <-ch:
				if msg.Event != sse.EventUIRequest {
					return false
				}
				r, ok := msg.Data.(uibridge.Request)
				if ok {
					req = r
				}
				return ok
			default:
				return false
			}
		}, "2s").Should(BeTrue())
		Expect(req.ID).NotTo(BeEmpty())

		resp, err := client.Post(ctx, "/extension_ui_response", map[string]any{
			"sessionId": sess.ID,
			"id":        req.ID,
			"value":     "yes",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(200))

		var r result
		Eventually(done, "2s").Should(Receive(&r))
		Expect(r.err).NotTo(HaveOccurred())
		Expect(r.value).To(Equal("yes"))
	})
})
