package canbus

import (
	"encoding/binary"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func classicKernelBuffer(id uint32, dlc byte, data []byte) []byte {
	buf := make([]byte, ClassicWireLen)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = dlc
	copy(buf[8:], data)
	return buf
}

func TestUnmarshalKernelFrame(t *testing.T) {
	Convey("a classic kernel buffer decodes to a standard frame", t, func() {
		buf := classicKernelBuffer(0x123, 3, []byte{0x01, 0x02, 0x03})

		frame, err := UnmarshalKernelFrame(buf)
		So(err, ShouldBeNil)
		So(frame.ID(), ShouldEqual, 0x123)
		So(frame.Extended(), ShouldBeFalse)
		So(frame.DLC(), ShouldEqual, 3)
		So(frame.Data(), ShouldResemble, []byte{0x01, 0x02, 0x03})
	})

	Convey("the EFF flag is stripped into the extended marker", t, func() {
		buf := classicKernelBuffer(CAN_EFF_FLAG|0x18F10DAB, 1, []byte{0x7F})

		frame, err := UnmarshalKernelFrame(buf)
		So(err, ShouldBeNil)
		So(frame.Extended(), ShouldBeTrue)
		So(frame.ID(), ShouldEqual, 0x18F10DAB)
	})

	Convey("RTR and ERR frames are rejected", t, func() {
		_, err := UnmarshalKernelFrame(classicKernelBuffer(CAN_RTR_FLAG|0x123, 0, nil))
		So(errors.Is(err, ErrInvalidArgument), ShouldBeTrue)

		_, err = UnmarshalKernelFrame(classicKernelBuffer(CAN_ERR_FLAG|0x123, 0, nil))
		So(errors.Is(err, ErrInvalidArgument), ShouldBeTrue)
	})

	Convey("an FD buffer decodes payloads beyond eight bytes", t, func() {
		buf := make([]byte, FdWireLen)
		binary.LittleEndian.PutUint32(buf[0:4], CAN_EFF_FLAG|0x1F010AB)
		buf[4] = 12
		for i := 0; i < 12; i++ {
			buf[8+i] = byte(i + 1)
		}

		frame, err := UnmarshalKernelFrame(buf)
		So(err, ShouldBeNil)
		So(frame.DLC(), ShouldEqual, 12)
		So(frame.Data()[11], ShouldEqual, 12)
	})

	Convey("odd buffer sizes are rejected", t, func() {
		_, err := UnmarshalKernelFrame(make([]byte, 20))
		So(errors.Is(err, ErrInvalidArgument), ShouldBeTrue)
	})
}

func TestMarshalKernelFrame(t *testing.T) {
	Convey("writing a classic frame pads the payload to eight bytes", t, func() {
		frame, err := NewFrame(0x321, false, 4, []byte{0x11, 0x22, 0x33, 0x44})
		So(err, ShouldBeNil)

		buf, err := MarshalKernelFrame(frame, false)
		So(err, ShouldBeNil)
		So(buf, ShouldHaveLength, ClassicWireLen)
		So(binary.LittleEndian.Uint32(buf[0:4]), ShouldEqual, 0x321)
		So(buf[4], ShouldEqual, 4)
		So(buf[8:16], ShouldResemble, []byte{0x11, 0x22, 0x33, 0x44, 0, 0, 0, 0})
	})

	Convey("extended frames carry the EFF flag on the wire", t, func() {
		frame, err := NewFrame(0x18F10DAB, true, 0, []byte{})
		So(err, ShouldBeNil)

		buf, err := MarshalKernelFrame(frame, false)
		So(err, ShouldBeNil)
		So(binary.LittleEndian.Uint32(buf[0:4]), ShouldEqual, CAN_EFF_FLAG|0x18F10DAB)
	})

	Convey("forcing the FD layout yields the 72-byte struct", t, func() {
		frame, err := NewFrame(0x18F10DAB, true, 12, make([]byte, 12))
		So(err, ShouldBeNil)

		buf, err := MarshalKernelFrame(frame, true)
		So(err, ShouldBeNil)
		So(buf, ShouldHaveLength, FdWireLen)
		So(buf[4], ShouldEqual, 12)
	})
}
