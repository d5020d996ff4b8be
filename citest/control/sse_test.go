package control_test

import (
	"bufio"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/agentcore/internal/sse"
)

var _ = Describe("GET /events", func() {
	It("streams text/event-stream with no-cache headers", func() {
		req, err := http.NewRequest("GET", testServer.BaseURL+"/events", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Accept", "text/event-stream")

		httpClient := &http.Client{Timeout: 5 * time.Second}
		resp, err := httpClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/event-stream"))
		Expect(resp.Header.Get("Cache-Control")).To(Equal("no-cache"))
	})

	It("delivers a message published on the Hub to a connected subscriber", func() {
		req, err := http.NewRequest("GET", testServer.BaseURL+"/events", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Accept", "text/event-stream")

		httpClient := &http.Client{}
		resp, err := httpClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		lines := make(chan string, 64)
		go func() {
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		// Give the handler a moment to register its subscription before
		// publishing, then publish directly rather than waiting out a
		// real heartbeat interval.
		time.Sleep(100 * time.Millisecond)
		testServer.Hub.Publish(sse.Message{Event: sse.EventExtensionError, Data: map[string]string{"probe": "1"}})

		deadline := time.After(5 * time.Second)
		for {
			select {
			case line := <-lines:
				if strings.HasPrefix(line, "event: extension_error") {
					return
				}
			case <-deadline:
				Fail("timed out waiting for the published SSE frame")
				return
			}
		}
	})
})
