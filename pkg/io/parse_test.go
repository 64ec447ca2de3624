package io_test

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/golang/snappy"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/omaskery/frametrace/pkg/events"
	"github.com/omaskery/frametrace/pkg/io"
	"github.com/omaskery/frametrace/pkg/metadata"
)

const testProvider = "{ca11c036-0102-4a2d-a6ad-f03cfed5d3c9}"

var _ = Describe("ParseRecordArray", func() {
	var testFileContents string
	var data *io.RecordFile
	var err error

	JustBeforeEach(func() {
		data, err = io.ParseRecordArray(strings.NewReader(testFileContents))
	})

	When("the array is empty", func() {
		BeforeEach(func() {
			testFileContents = `[]`
		})

		It("parses to no records", func() {
			Expect(err).To(Succeed())
			Expect(data.Records()).To(BeEmpty())
			Expect(data.Schemas()).To(BeEmpty())
		})
	})

	When("the input is not an array", func() {
		BeforeEach(func() {
			testFileContents = `{"records": []}`
		})

		It("reports a syntax error", func() {
			Expect(err).To(MatchError(io.ErrSyntaxError))
		})
	})

	When("a record lists its fields", func() {
		BeforeEach(func() {
			testFileContents = `[
				{
					"provider": "` + testProvider + `",
					"id": 42,
					"ts": 1000,
					"pid": 10,
					"tid": 11,
					"fields": [
						{"name": "pIDXGISwapChain", "type": "pointer", "value": "0x5c"},
						{"name": "Flags", "type": "uint32", "value": 2},
						{"name": "SyncInterval", "type": "int32", "value": -1},
						{"name": "Name", "type": "unicodestring", "value": "game.exe"}
					]
				}
			]`
		})

		It("builds a self-describing record", func() {
			Expect(err).To(Succeed())
			Expect(data.Records()).To(HaveLen(1))

			rec := data.Records()[0]
			Expect(rec.Provider).To(Equal(events.ProviderDXGI))
			Expect(rec.ID).To(Equal(events.DXGIPresentStart))
			Expect(rec.Header()).To(Equal(events.Header{Timestamp: 1000, ProcessID: 10, ThreadID: 11}))
			Expect(rec.Schema).ToNot(BeNil())
			Expect(rec.PointerSize()).To(Equal(8))
		})

		It("decodes to the written values", func() {
			Expect(err).To(Succeed())
			f := metadata.Fields("pIDXGISwapChain", "Flags", "SyncInterval", "Name")
			Expect(metadata.NewDecoder().Decode(data.Records()[0], f)).To(BeTrue())
			Expect(f[0].Ptr()).To(Equal(uint64(0x5c)))
			Expect(f[1].Uint32()).To(Equal(uint32(2)))
			Expect(f[2].Int32()).To(Equal(int32(-1)))
			Expect(f[3].String()).To(Equal("game.exe"))
		})
	})

	When("a record uses 32 bit pointers", func() {
		BeforeEach(func() {
			testFileContents = `[
				{
					"provider": "` + testProvider + `",
					"id": 42,
					"ts": 1,
					"pid": 1,
					"tid": 2,
					"pointer32": true,
					"fields": [
						{"name": "pIDXGISwapChain", "type": "pointer", "value": 4096},
						{"name": "Flags", "type": "uint32", "value": 7}
					]
				}
			]`
		})

		It("decodes pointers at the narrower width", func() {
			Expect(err).To(Succeed())
			rec := data.Records()[0]
			Expect(rec.PointerSize()).To(Equal(4))
			Expect(rec.Payload).To(HaveLen(8))

			f := metadata.Fields("pIDXGISwapChain", "Flags")
			Expect(metadata.NewDecoder().Decode(rec, f)).To(BeTrue())
			Expect(f[0].Ptr()).To(Equal(uint64(4096)))
			Expect(f[1].Uint32()).To(Equal(uint32(7)))
		})
	})

	When("a record carries a counted array", func() {
		BeforeEach(func() {
			testFileContents = `[
				{
					"provider": "` + testProvider + `",
					"id": 1,
					"ts": 1,
					"pid": 1,
					"tid": 1,
					"fields": [
						{"name": "Count", "type": "uint32", "value": 3},
						{"name": "Values", "type": "uint64", "countProperty": "Count", "value": [1, "0x2", 3]}
					]
				}
			]`
		})

		It("decodes every element", func() {
			Expect(err).To(Succeed())
			f := metadata.Fields("Values")
			Expect(metadata.NewDecoder().Decode(data.Records()[0], f)).To(BeTrue())
			Expect(f[0].Len()).To(Equal(3))
			Expect(f[0].Uint64At(0)).To(Equal(uint64(1)))
			Expect(f[0].Uint64At(1)).To(Equal(uint64(2)))
			Expect(f[0].Uint64At(2)).To(Equal(uint64(3)))
		})
	})

	When("the capture was interrupted", func() {
		BeforeEach(func() {
			testFileContents = `[
				{"provider": "` + testProvider + `", "id": 43, "ts": 5, "pid": 1, "tid": 1, "fields": []},
				{"provider": "` + testProvider + `", "id": 42, "ts": 6, "pid": 1, "tid": 1, "fiel`
		})

		It("keeps the complete records", func() {
			Expect(err).To(Succeed())
			Expect(data.Records()).To(HaveLen(1))
			Expect(data.Records()[0].Timestamp).To(Equal(uint64(5)))
		})
	})

	When("the capture was interrupted between records", func() {
		BeforeEach(func() {
			testFileContents = `[
				{"provider": "` + testProvider + `", "id": 43, "ts": 5, "pid": 1, "tid": 1, "fields": []},`
		})

		It("keeps the complete records", func() {
			Expect(err).To(Succeed())
			Expect(data.Records()).To(HaveLen(1))
		})
	})

	When("a field has an unknown type", func() {
		BeforeEach(func() {
			testFileContents = `[
				{"provider": "` + testProvider + `", "id": 1, "ts": 1, "pid": 1, "tid": 1, "fields": [
					{"name": "x", "type": "complex128", "value": 1}
				]}
			]`
		})

		It("reports the unknown type", func() {
			Expect(err).To(MatchError(io.ErrUnknownFieldType))
		})
	})

	When("a field value does not match its type", func() {
		BeforeEach(func() {
			testFileContents = `[
				{"provider": "` + testProvider + `", "id": 1, "ts": 1, "pid": 1, "tid": 1, "fields": [
					{"name": "x", "type": "uint32", "value": "kittens"}
				]}
			]`
		})

		It("reports invalid data", func() {
			Expect(err).To(MatchError(io.ErrInvalidDataType))
		})
	})

	When("a record has neither payload nor fields", func() {
		BeforeEach(func() {
			testFileContents = `[
				{"provider": "` + testProvider + `", "id": 1, "ts": 1, "pid": 1, "tid": 1}
			]`
		})

		It("reports the missing payload", func() {
			Expect(err).To(MatchError(io.ErrMissingPayload))
		})
	})
})

var _ = Describe("ParseRecordFile", func() {
	var testFileContents string
	var data *io.RecordFile
	var err error

	payload := func(b []byte) string {
		return base64.StdEncoding.EncodeToString(b)
	}

	JustBeforeEach(func() {
		data, err = io.ParseRecordFile(strings.NewReader(testFileContents))
	})

	When("records use the schema table", func() {
		BeforeEach(func() {
			testFileContents = `{
				"schemas": [
					{
						"provider": "` + testProvider + `",
						"id": 43,
						"properties": [
							{"name": "Result", "type": "uint32"},
							{"name": "Name", "type": "ansistring"}
						]
					}
				],
				"records": [
					{
						"provider": "` + testProvider + `",
						"id": 43,
						"ts": 77,
						"pid": 3,
						"tid": 4,
						"payload": "` + payload([]byte{0x01, 0x00, 0x7a, 0x88, 'h', 'i', 0}) + `"
					}
				]
			}`
		})

		It("keeps the payload raw", func() {
			Expect(err).To(Succeed())
			Expect(data.Records()).To(HaveLen(1))
			Expect(data.Records()[0].Schema).To(BeNil())
			Expect(data.Schemas()).To(HaveKey(events.Key{Provider: events.ProviderDXGI, ID: 43}))
		})

		It("decodes through a registered source", func() {
			Expect(err).To(Succeed())
			src := metadata.NewStaticSource()
			data.RegisterSchemas(src)
			decoder := metadata.NewDecoder(metadata.WithTypeInfoSource(src))

			f := metadata.Fields("Result", "Name")
			Expect(decoder.Decode(data.Records()[0], f)).To(BeTrue())
			Expect(f[0].Uint32()).To(Equal(uint32(0x887a0001)))
			Expect(f[1].String()).To(Equal("hi"))
		})
	})

	When("a schema property has an unknown type", func() {
		BeforeEach(func() {
			testFileContents = `{
				"schemas": [
					{"provider": "` + testProvider + `", "id": 1, "properties": [{"name": "x", "type": "quaternion"}]}
				],
				"records": []
			}`
		})

		It("reports the unknown type", func() {
			Expect(err).To(MatchError(io.ErrUnknownFieldType))
		})
	})

	When("the file is not JSON", func() {
		BeforeEach(func() {
			testFileContents = `not json`
		})

		It("fails", func() {
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("OpenRecordReader", func() {
	contents := `[{"provider": "` + testProvider + `", "id": 43, "ts": 5, "pid": 1, "tid": 1, "fields": []}]`

	It("passes plain captures through", func() {
		r, err := io.OpenRecordReader(strings.NewReader(contents))
		Expect(err).To(Succeed())

		data, err := io.ParseRecordArray(r)
		Expect(err).To(Succeed())
		Expect(data.Records()).To(HaveLen(1))
	})

	It("decompresses snappy framed captures", func() {
		var compressed bytes.Buffer
		w := snappy.NewBufferedWriter(&compressed)
		_, err := w.Write([]byte(contents))
		Expect(err).To(Succeed())
		Expect(w.Close()).To(Succeed())

		r, err := io.OpenRecordReader(&compressed)
		Expect(err).To(Succeed())

		data, err := io.ParseRecordArray(r)
		Expect(err).To(Succeed())
		Expect(data.Records()).To(HaveLen(1))
		Expect(data.Records()[0].ID).To(Equal(events.DXGIPresentStop))
	})

	It("accepts input shorter than the compression header", func() {
		r, err := io.OpenRecordReader(strings.NewReader(`[]`))
		Expect(err).To(Succeed())

		data, err := io.ParseRecordArray(r)
		Expect(err).To(Succeed())
		Expect(data.Records()).To(BeEmpty())
	})
})

var _ = Describe("ParseCapture", func() {
	record := `{"provider": "` + testProvider + `", "id": 43, "ts": 5, "pid": 1, "tid": 1, "fields": []}`

	It("reads record arrays", func() {
		data, err := io.ParseCapture(strings.NewReader("\n  [" + record + "]"))
		Expect(err).To(Succeed())
		Expect(data.Records()).To(HaveLen(1))
	})

	It("reads record files", func() {
		data, err := io.ParseCapture(strings.NewReader(`{"records": [` + record + `]}`))
		Expect(err).To(Succeed())
		Expect(data.Records()).To(HaveLen(1))
	})

	It("rejects anything else", func() {
		_, err := io.ParseCapture(strings.NewReader(`"records"`))
		Expect(err).To(MatchError(io.ErrSyntaxError))
	})
})
