package h3

import (
	"bytes"
	"context"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeSettingsBytes(s Settings) []byte {
	var buf bytes.Buffer
	Expect(s.writeFrame(&buf)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Conn", func() {
	var tr *fakeConnection

	BeforeEach(func() {
		tr = newFakeConnection()
	})

	Describe("Dial", func() {
		It("opens the control, QPACK encoder and QPACK decoder streams and writes local SETTINGS first", func() {
			conn, err := Dial(tr, NewConfig(WithoutGrease()), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.openedUni).To(HaveLen(3))

			r := quicvarint.NewReader(bytes.NewReader(tr.openedUni[0].Bytes()))
			typ, err := quicvarint.Read(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(StreamType(typ)).To(Equal(StreamTypeControl))

			frameType, err := quicvarint.Read(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(FrameType(frameType)).To(Equal(FrameTypeSettings))

			Expect(conn.Settings()).To(Equal(conn.cfg.settings))
		})
	})

	Describe("the control stream handshake", func() {
		It("publishes peer settings once the peer's SETTINGS frame arrives", func() {
			conn, err := Dial(tr, NewConfig(WithoutGrease()), false)
			Expect(err).NotTo(HaveOccurred())

			pw := tr.queueInboundUniStream(StreamTypeControl)
			peerSettings := Settings{SettingMaxFieldSectionSize: 4096}
			_, err = pw.Write(writeSettingsBytes(peerSettings))
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() Settings { return conn.PeerSettings() }).Should(Equal(peerSettings))
		})

		It("is a connection error for the first frame to be anything but SETTINGS", func() {
			conn, err := Dial(tr, NewConfig(WithoutGrease()), false)
			Expect(err).NotTo(HaveOccurred())

			pw := tr.queueInboundUniStream(StreamTypeControl)
			var buf bytes.Buffer
			Expect(writeGoAwayFrame(&buf, 0)).To(Succeed())
			_, err = pw.Write(buf.Bytes())
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() error { return conn.TerminalError() }).Should(HaveOccurred())
			Expect(conn.TerminalError().(*connError).Code).To(Equal(ErrCodeMissingSettings))
		})

		It("is a connection error for a second SETTINGS frame to arrive", func() {
			conn, err := Dial(tr, NewConfig(WithoutGrease()), false)
			Expect(err).NotTo(HaveOccurred())

			pw := tr.queueInboundUniStream(StreamTypeControl)
			_, err = pw.Write(writeSettingsBytes(Settings{}))
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() Settings { return conn.PeerSettings() }).ShouldNot(BeNil())

			_, err = pw.Write(writeSettingsBytes(Settings{}))
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() error { return conn.TerminalError() }).Should(HaveOccurred())
			Expect(conn.TerminalError().(*connError).Code).To(Equal(ErrCodeFrameUnexpected))
		})
	})

	Describe("duplicate critical streams", func() {
		It("rejects a second control stream from the peer", func() {
			conn, err := Dial(tr, NewConfig(WithoutGrease()), false)
			Expect(err).NotTo(HaveOccurred())

			pw1 := tr.queueInboundUniStream(StreamTypeControl)
			_, err = pw1.Write(writeSettingsBytes(Settings{}))
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() Settings { return conn.PeerSettings() }).ShouldNot(BeNil())

			tr.queueInboundUniStream(StreamTypeControl)

			Eventually(func() error { return conn.TerminalError() }).Should(HaveOccurred())
			Expect(conn.TerminalError().(*connError).Code).To(Equal(ErrCodeStreamCreationError))
		})
	})

	Describe("GOAWAY monotonicity", func() {
		It("forwards a received GOAWAY and rejects a later one with a greater id", func() {
			conn, err := Dial(tr, NewConfig(WithoutGrease()), false)
			Expect(err).NotTo(HaveOccurred())

			pw := tr.queueInboundUniStream(StreamTypeControl)
			_, err = pw.Write(writeSettingsBytes(Settings{}))
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() Settings { return conn.PeerSettings() }).ShouldNot(BeNil())

			var buf bytes.Buffer
			Expect(writeGoAwayFrame(&buf, 8)).To(Succeed())
			_, err = pw.Write(buf.Bytes())
			Expect(err).NotTo(HaveOccurred())

			f, err := conn.PollControl(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(Equal(GoAwayFrame{ID: 8}))

			buf.Reset()
			Expect(writeGoAwayFrame(&buf, 12)).To(Succeed())
			_, err = pw.Write(buf.Bytes())
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() error { return conn.TerminalError() }).Should(HaveOccurred())
			Expect(conn.TerminalError().(*connError).Code).To(Equal(ErrCodeIDError))
		})
	})

	Describe("unknown unidirectional stream types", func() {
		It("resets a stream whose type is neither known nor grease", func() {
			_, err := Dial(tr, NewConfig(WithoutGrease()), false)
			Expect(err).NotTo(HaveOccurred())

			str, pw := newFakeReceiveStream(99)
			tr.uniToAccept <- str
			_, err = pw.Write(quicvarint.Append(nil, 0x41))
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() bool {
				_, canceled := str.Canceled()
				return canceled
			}).Should(BeTrue())
			code, _ := str.Canceled()
			Expect(code).To(Equal(quic.StreamErrorCode(ErrCodeStreamCreationError)))
		})

		It("silently drops a stream that never sends a type byte", func() {
			_, err := Dial(tr, NewConfig(WithoutGrease()), false)
			Expect(err).NotTo(HaveOccurred())

			str, pw := newFakeReceiveStream(100)
			tr.uniToAccept <- str
			Expect(pw.Close()).To(Succeed())

			Consistently(func() bool {
				_, canceled := str.Canceled()
				return canceled
			}).Should(BeFalse())
		})
	})
})
