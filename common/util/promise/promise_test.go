package promise

import (
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var (
	writeSeq = int64(42)
)

func TestPromise(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Promise")
}

var _ = Describe("ChannelPromise", func() {
	It("should return the write sequence of a commit done already", func() {
		p := NewChannelPromise()
		Expect(p.Resolve(writeSeq)).To(BeNil())

		Eventually(p.Done()).Should(BeClosed())
		Expect(p.Value()).To(Equal(writeSeq))
	})

	It("should block until the commit is done", func() {
		p := NewChannelPromise()
		Consistently(p.Done(), 100*time.Millisecond).ShouldNot(BeClosed())
		Expect(p.IsResolved()).To(BeFalse())
	})

	It("should wake every waiter of a commit", func() {
		p := NewChannelPromise()

		var waiters sync.WaitGroup
		values := make(chan interface{}, 3)
		for i := 0; i < 3; i++ {
			waiters.Add(1)
			go func() {
				defer waiters.Done()
				values <- p.Value()
			}()
		}
		Consistently(values, 100*time.Millisecond).ShouldNot(Receive())

		p.Resolve(writeSeq)
		waiters.Wait()
		for i := 0; i < 3; i++ {
			Expect(<-values).To(Equal(writeSeq))
		}
	})

	It("should keep the first result", func() {
		p := Resolved(writeSeq)

		Expect(p.IsResolved()).To(BeTrue())
		Expect(p.Resolve(writeSeq + 1)).To(Equal(ErrResolved))
		Expect(p.Value()).To(Equal(writeSeq))
	})

	It("should carry a failed write", func() {
		failed := errors.New("disk full")
		p := Resolved(nil, failed)

		val, err := p.Result()
		Expect(val).To(BeNil())
		Expect(err).To(Equal(failed))
		Expect(p.Error()).To(Equal(failed))
	})

	It("should give up waiting after the timeout", func() {
		p := NewPromise()

		Expect(p.Wait(50 * time.Millisecond)).To(Equal(ErrTimeout))
		p.Resolve(writeSeq)
		Expect(p.Wait(50 * time.Millisecond)).To(BeNil())
		Expect(p.ResolvedAt().IsZero()).To(BeFalse())
	})
})
