package scanning

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Gemini", func() {
	Describe("NewGemini", func() {
		When("no API key is given", func() {
			It("should return ErrMissingAPIKey", func() {
				_, err := NewGemini("", "")
				Expect(err).To(MatchError(ErrMissingAPIKey))
			})
		})

		When("an API key is given", func() {
			It("should report its strategy name", func() {
				scanner, err := NewGemini("test-key", "")
				Expect(err).NotTo(HaveOccurred())
				defer scanner.Close()
				Expect(scanner.Name()).To(Equal("gemini"))
			})
		})
	})
})
