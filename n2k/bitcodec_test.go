package n2k

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestExtractBits(t *testing.T) {
	Convey("byte-aligned fields read little-endian", t, func() {
		buf := []byte{0x34, 0x12, 0x00}
		So(extractBits(buf, 0, 0, 2, 0xFFFF, false, 16), ShouldEqual, 0x1234)
	})

	Convey("bit-aligned fields shift before masking", t, func() {
		// bits 5..7 of byte 0 hold 0b101
		buf := []byte{0xA0}
		So(extractBits(buf, 0, 5, 1, 0x07, false, 3), ShouldEqual, 5)
	})

	Convey("fields spanning a byte boundary accumulate both bytes", t, func() {
		// 12-bit field starting at bit 4: low nibble from byte 0, byte 1 above it
		buf := []byte{0xF0, 0xAB}
		So(extractBits(buf, 0, 4, 2, 0xFFF, false, 12), ShouldEqual, 0xABF)
	})

	Convey("signed fields sign-extend from the field width", t, func() {
		buf := []byte{0xFF, 0xFF}
		So(extractBits(buf, 0, 0, 2, 0xFFFF, true, 16), ShouldEqual, -1)

		buf = []byte{0x00, 0x80}
		So(extractBits(buf, 0, 0, 2, 0xFFFF, true, 16), ShouldEqual, -32768)

		Convey("positive values stay positive", func() {
			buf := []byte{0xFF, 0x7F}
			So(extractBits(buf, 0, 0, 2, 0xFFFF, true, 16), ShouldEqual, 32767)
		})
	})

	Convey("reads past the buffer stop silently with the partial value", t, func() {
		buf := []byte{0x34}
		So(extractBits(buf, 0, 0, 2, 0xFFFF, false, 16), ShouldEqual, 0x34)
		So(extractBits(buf, 5, 0, 2, 0xFFFF, false, 16), ShouldEqual, 0)
	})
}

func TestInsertBits(t *testing.T) {
	Convey("inserting clears the field bits and leaves neighbours alone", t, func() {
		buf := []byte{0xFF, 0xFF}
		insertBits(buf, 0, 5, 1, 0x07, 0)
		So(buf, ShouldResemble, []byte{0x1F, 0xFF})
	})

	Convey("values round-trip through insert and extract", t, func() {
		buf := make([]byte, 8)
		insertBits(buf, 2, 3, 3, 0x3FFF, 0x1ABC)
		So(extractBits(buf, 2, 3, 3, 0x3FFF, false, 14), ShouldEqual, 0x1ABC)
	})

	Convey("negative raw values mask down to the field width", t, func() {
		buf := make([]byte, 2)
		insertBits(buf, 0, 0, 2, 0xFFFF, -2)
		So(extractBits(buf, 0, 0, 2, 0xFFFF, true, 16), ShouldEqual, -2)
	})

	Convey("writes past the buffer stop silently", t, func() {
		buf := []byte{0x00}
		So(func() { insertBits(buf, 0, 0, 2, 0xFFFF, 0x1234) }, ShouldNotPanic)
		So(buf[0], ShouldEqual, 0x34)

		So(func() { insertBits(buf, 9, 0, 2, 0xFFFF, 0x1234) }, ShouldNotPanic)
	})
}

func TestSignExtend(t *testing.T) {
	Convey("widths of zero or at least 64 bits pass through", t, func() {
		So(signExtend(0xFFFFFFFFFFFFFFFF, 64), ShouldEqual, int64(-1))
		So(signExtend(42, 0), ShouldEqual, 42)
	})

	Convey("narrow widths extend the sign bit", t, func() {
		So(signExtend(0x7, 3), ShouldEqual, -1)
		So(signExtend(0x3, 3), ShouldEqual, 3)
	})
}
