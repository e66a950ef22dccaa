package h3

import (
	"bytes"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// readOneSettingsPayload reads a single frame header + payload off b and
// returns the frame type and raw payload bytes, for tests that only need to
// check what writeFrame put on the wire.
func readOneSettingsPayload(b []byte) (FrameType, []byte) {
	r := quicvarint.NewReader(bytes.NewReader(b))
	t, err := quicvarint.Read(r)
	Expect(err).NotTo(HaveOccurred())
	l, err := quicvarint.Read(r)
	Expect(err).NotTo(HaveOccurred())
	payload := make([]byte, l)
	_, err = io.ReadFull(r, payload)
	Expect(err).NotTo(HaveOccurred())
	return FrameType(t), payload
}

func concatVarints(vs ...uint64) []byte {
	var b []byte
	for _, v := range vs {
		b = quicvarint.Append(b, v)
	}
	return b
}

var _ = Describe("Settings", func() {
	It("round-trips through writeFrame and parseSettings", func() {
		in := Settings{
			SettingMaxFieldSectionSize: 1 << 20,
			SettingDatagram:            1,
		}
		var buf bytes.Buffer
		Expect(in.writeFrame(&buf)).To(Succeed())

		frameType, payload := readOneSettingsPayload(buf.Bytes())
		Expect(frameType).To(Equal(FrameTypeSettings))

		out, err := parseSettings(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(in))
	})

	It("rejects a duplicate setting identifier", func() {
		payload := concatVarints(uint64(SettingMaxFieldSectionSize), 1, uint64(SettingMaxFieldSectionSize), 2)
		_, err := parseSettings(payload)
		Expect(err).To(HaveOccurred())
		var ce *connError
		Expect(err).To(BeAssignableToTypeOf(ce))
		Expect(err.(*connError).Code).To(Equal(ErrCodeSettingsError))
	})

	It("rejects an out-of-range boolean setting", func() {
		payload := concatVarints(uint64(SettingDatagram), 2)
		_, err := parseSettings(payload)
		Expect(err).To(HaveOccurred())
		Expect(err.(*connError).Code).To(Equal(ErrCodeSettingsError))
	})

	It("reports datagram support from either the final or draft setting id", func() {
		Expect(Settings{SettingDatagram: 1}.DatagramsEnabled()).To(BeTrue())
		Expect(Settings{SettingDatagramDraft00: 1}.DatagramsEnabled()).To(BeTrue())
		Expect(Settings{}.DatagramsEnabled()).To(BeFalse())
	})

	It("enables both WebTransport settings and implies datagrams", func() {
		s := Settings{}
		s.EnableWebTransport()
		Expect(s.WebTransportEnabled()).To(BeTrue())
		Expect(s.DatagramsEnabled()).To(BeTrue())
	})

	It("falls back to the default max field section size when unset", func() {
		Expect(Settings{}.MaxFieldSectionSize()).To(Equal(uint64(defaultMaxFieldSectionSize)))
	})
})
