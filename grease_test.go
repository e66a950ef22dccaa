package h3

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("greasePump", func() {
	It("starts Abandoned when grease is disabled", func() {
		g := newGreasePump(false)
		Expect(g.currentState()).To(Equal(greaseAbandoned))
	})

	It("walks NotStarted -> Started -> DataPrepared -> DataSent -> Finished", func() {
		tr := newFakeConnection()
		g := newGreasePump(true)
		Expect(g.currentState()).To(Equal(greaseNotStarted))

		g.step(tr)
		Expect(g.currentState()).To(Equal(greaseStarted))
		Expect(tr.openedUni).To(HaveLen(1))

		g.step(tr)
		Expect(g.currentState()).To(Equal(greaseDataPrepared))

		g.step(tr)
		Expect(g.currentState()).To(Equal(greaseDataSent))

		g.step(tr)
		Expect(g.currentState()).To(Equal(greaseFinished))
		Expect(tr.openedUni[0].Closed()).To(BeTrue())
	})

	It("abandons forever on a transport failure and never retries", func() {
		g := newGreasePump(true)
		g.step(failingUniConnection{})
		Expect(g.currentState()).To(Equal(greaseAbandoned))

		g.step(failingUniConnection{})
		Expect(g.currentState()).To(Equal(greaseAbandoned))
	})
})

// failingUniConnection is a Connection whose OpenUniStream always fails,
// used to exercise greasePump's abandon-on-failure path without dragging
// in the full fakeConnection.
type failingUniConnection struct{ Connection }

func (failingUniConnection) OpenUniStream() (SendStream, error) {
	return nil, errors.New("no streams available")
}
