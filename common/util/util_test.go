package util

import (
	"errors"
	"io"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestUtil(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Util")
}

var _ = Describe("Closer", func() {
	It("should close once and release waiters", func() {
		c := NewCloser()
		Expect(c.IsClosed()).To(BeFalse())

		done := make(chan struct{})
		go func() {
			c.Wait()
			close(done)
		}()

		Expect(c.Close()).To(BeTrue())
		Expect(c.Close()).To(BeFalse())
		Eventually(done).Should(BeClosed())
		Expect(c.Done()).To(BeClosed())
	})
})

var _ = Describe("IsConnectionFailed", func() {
	It("should tell lost connections from other errors", func() {
		Expect(IsConnectionFailed(nil)).To(BeFalse())
		Expect(IsConnectionFailed(io.EOF)).To(BeTrue())
		Expect(IsConnectionFailed(io.ErrClosedPipe)).To(BeTrue())
		Expect(IsConnectionFailed(errors.New("malformed"))).To(BeFalse())
	})
})
