package events_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/omaskery/frametrace/pkg/events"
)

var _ = Describe("GUID", func() {
	It("parses with and without braces", func() {
		a, err := events.ParseGUID("{802ec45a-1e99-4b83-9920-87c98277ba9d}")
		Expect(err).To(Succeed())
		b, err := events.ParseGUID("802ec45a-1e99-4b83-9920-87c98277ba9d")
		Expect(err).To(Succeed())
		Expect(a).To(Equal(b))
		Expect(a).To(Equal(events.ProviderDxgKrnl))
	})

	It("formats in registry form", func() {
		Expect(events.ProviderDxgKrnl.String()).To(Equal("{802ec45a-1e99-4b83-9920-87c98277ba9d}"))
	})

	It("rejects malformed input", func() {
		_, err := events.ParseGUID("{802ec45a-1e99-4b83-9920}")
		Expect(err).To(MatchError(events.ErrInvalidGUID))
		_, err = events.ParseGUID("{zzzzzzzz-1e99-4b83-9920-87c98277ba9d}")
		Expect(err).To(MatchError(events.ErrInvalidGUID))
	})

	It("uses the little endian layout in payloads", func() {
		b := events.ProviderDxgKrnl.Bytes()
		Expect(b[:4]).To(Equal([]byte{0x5a, 0xc4, 0x2e, 0x80}))
		Expect(events.GUIDFromBytes(b)).To(Equal(events.ProviderDxgKrnl))
	})

	It("decodes short payloads to the zero GUID", func() {
		Expect(events.GUIDFromBytes([]byte{1, 2, 3})).To(Equal(events.GUID{}))
	})

	It("round trips through JSON", func() {
		raw, err := json.Marshal(events.ProviderDwmCore)
		Expect(err).To(Succeed())
		Expect(string(raw)).To(Equal(`"{9e9bba3c-2e38-40cb-99f4-9e8281425164}"`))

		var g events.GUID
		Expect(json.Unmarshal(raw, &g)).To(Succeed())
		Expect(g).To(Equal(events.ProviderDwmCore))
	})
})

var _ = Describe("InType", func() {
	It("maps names back to types", func() {
		for _, t := range []events.InType{events.TypeUint32, events.TypePointer, events.TypeUnicodeString, events.TypeStruct} {
			parsed, ok := events.ParseInType(t.String())
			Expect(ok).To(BeTrue())
			Expect(parsed).To(Equal(t))
		}
	})

	It("rejects unknown names", func() {
		_, ok := events.ParseInType("uint128")
		Expect(ok).To(BeFalse())
	})

	It("sizes pointers by the record's width", func() {
		Expect(events.TypePointer.FixedSize(4)).To(Equal(4))
		Expect(events.TypePointer.FixedSize(8)).To(Equal(8))
		Expect(events.TypeAnsiString.FixedSize(8)).To(Equal(0))
	})
})

var _ = Describe("RecordBuilder", func() {
	It("encodes fields in order", func() {
		rec := events.NewRecord(events.ProviderDXGI, events.DXGIPresentStart).
			Timestamp(5).
			Thread(1, 2).
			Uint8("a", 0x11).
			Uint16("b", 0x2233).
			Pointer("c", 0x44).
			AnsiString("d", "hi").
			UnicodeString("e", "x").
			Build()

		Expect(rec.Header()).To(Equal(events.Header{Timestamp: 5, ProcessID: 1, ThreadID: 2}))
		Expect(rec.Payload).To(Equal([]byte{
			0x11,
			0x33, 0x22,
			0x44, 0, 0, 0, 0, 0, 0, 0,
			'h', 'i', 0,
			'x', 0, 0, 0,
		}))
		Expect(rec.Schema.Properties).To(HaveLen(5))
		Expect(rec.Schema.Properties[2].Type).To(Equal(events.TypePointer))
	})

	It("narrows pointers for 32 bit records", func() {
		rec := events.NewRecord(events.ProviderDXGI, events.DXGIPresentStart).
			Pointer32().
			Pointer("c", 0x44).
			Build()
		Expect(rec.PointerSize()).To(Equal(4))
		Expect(rec.Payload).To(HaveLen(4))
	})

	It("describes counted arrays", func() {
		rec := events.NewRecord(events.ProviderDxgKrnl, events.DxgkFlipMultiPlaneOverlayInfo).
			Uint32("Count", 2).
			Uint64Array("Values", "Count", []uint64{1, 2}).
			Build()
		Expect(rec.Payload).To(HaveLen(4 + 16))
		Expect(rec.Schema.Properties[1].IsArray()).To(BeTrue())
		Expect(rec.Schema.Properties[0].IsArray()).To(BeFalse())
	})

	It("separates the schema for out of band registration", func() {
		rec, schema := events.NewRecord(events.ProviderDXGI, events.DXGIPresentStop).
			Uint32("Result", 0).
			BuildRaw()
		Expect(rec.Schema).To(BeNil())
		Expect(schema.Properties).To(HaveLen(1))
		Expect(rec.Key()).To(Equal(events.Key{Provider: events.ProviderDXGI, ID: events.DXGIPresentStop}))
	})
})
