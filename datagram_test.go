package h3

import (
	"context"
	"time"

	"github.com/quic-go/quic-go/quicvarint"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("datagramMux", func() {
	var tr *fakeConnection
	var mux *datagramMux

	BeforeEach(func() {
		tr = newFakeConnection()
		mux = newDatagramMux(tr, 4)
		go mux.run()
	})

	It("demultiplexes inbound datagrams by their varint flow id", func() {
		payload := append(quicvarint.Append(nil, 9), []byte("hi")...)
		tr.datagramsIn <- payload

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got, err := mux.receive(ctx, 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("hi")))
	})

	It("prefixes outbound datagrams with the flow id", func() {
		Expect(mux.send(3, []byte("x"))).To(Succeed())
		sent := <-tr.datagramsOut
		flowID, n, err := quicvarint.Parse(sent)
		Expect(err).NotTo(HaveOccurred())
		Expect(flowID).To(Equal(uint64(3)))
		Expect(sent[n:]).To(Equal([]byte("x")))
	})

	It("drops malformed datagrams instead of failing the mux", func() {
		tr.datagramsIn <- []byte{}
		payload := append(quicvarint.Append(nil, 11), []byte("ok")...)
		tr.datagramsIn <- payload

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got, err := mux.receive(ctx, 11)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("ok")))
	})
})
