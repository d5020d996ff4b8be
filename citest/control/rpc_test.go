package control_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/agentcore/internal/rpc"
)

var _ = Describe("POST /rpc", func() {
	It("dispatches get_state against the active session", func() {
		resp, err := client.Post(ctx, "/rpc", rpc.Command{ID: "1", Type: "get_state"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(200))

		var out rpc.Response
		Expect(resp.JSON(&out)).To(Succeed())
		Expect(out.ID).To(Equal("1"))
		Expect(out.Error).To(BeNil())
	})

	It("dispatches get_messages and returns an array result", func() {
		resp, err := client.Post(ctx, "/rpc", rpc.Command{ID: "2", Type: "get_messages"})
		Expect(err).NotTo(HaveOccurred())

		var out rpc.Response
		Expect(resp.JSON(&out)).To(Succeed())
		Expect(out.Error).To(BeNil())
	})

	It("returns an unknown_command error with a did-you-mean hint for a typo", func() {
		resp, err := client.Post(ctx, "/rpc", rpc.Command{ID: "3", Type: "get_stat"})
		Expect(err).NotTo(HaveOccurred())

		var out rpc.Response
		Expect(resp.JSON(&out)).To(Succeed())
		Expect(out.Error).NotTo(BeNil())
		Expect(out.Error.Code).To(Equal("unknown_command"))
		Expect(out.Error.Message).To(ContainSubstring("get_state"))
	})

	It("rejects a command with no type as a 400", func() {
		resp, err := client.Post(ctx, "/rpc", map[string]any{"id": "4"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(400))
	})

	It("rejects malformed JSON as a 400", func() {
		resp, err := client.Post(ctx, "/rpc", json.RawMessage(`{not json`))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(400))
	})
})
