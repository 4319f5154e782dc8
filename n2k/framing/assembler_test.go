package framing

import (
	"bytes"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/seabus/canstack/j1939"
)

func testCanId() j1939.CanId {
	return j1939.CanId{Priority: 6, PGN: 126996, Source: 0x23, Destination: j1939.AddressGlobal}
}

func patternPayload(length int) []byte {
	payload := make([]byte, length)
	for i := range payload {
		payload[i] = byte(i*7 + 3)
	}
	return payload
}

// feedFrames runs a packed fast-packet sequence through the assembler and
// returns the reassembled payload, if any.
func feedFrames(assembler *FastPacketAssembler, id j1939.CanId, frames [][]byte) []byte {
	var result []byte
	for _, data := range frames {
		sequenceId := (data[0] >> 5) & 0x07
		frameIndex := data[0] & 0x1F
		if payload := assembler.Accept(id, sequenceId, frameIndex, data); payload != nil {
			result = payload
		}
	}
	return result
}

func fragment(t *testing.T, sequenceId uint8, payload []byte) [][]byte {
	t.Helper()
	frames, err := fastPacketFrames(0x19F00D23, sequenceId, payload)
	if err != nil {
		t.Fatalf("fragment %d bytes: %v", len(payload), err)
	}
	out := make([][]byte, len(frames))
	for i, frame := range frames {
		out[i] = frame.Data()
	}
	return out
}

func TestFastPacketRoundTrip(t *testing.T) {
	Convey("fragment then reassemble restores every payload length", t, func() {
		id := testCanId()

		for length := 1; length <= 223; length++ {
			assembler := NewFastPacketAssembler(0)
			payload := patternPayload(length)

			result := feedFrames(assembler, id, fragment(t, 5, payload))
			if !bytes.Equal(result, payload) {
				t.Fatalf("length %d: reassembled payload differs", length)
			}
		}
		So(true, ShouldBeTrue)
	})
}

func TestAssemblerStartFrame(t *testing.T) {
	Convey("a start frame shorter than two bytes drops the assembly", t, func() {
		assembler := NewFastPacketAssembler(0)
		id := testCanId()

		So(assembler.Accept(id, 1, 0, []byte{0x20}), ShouldBeNil)
		So(assembler.HasInProgress(id, 1), ShouldBeFalse)
	})

	Convey("a zero total length drops the assembly", t, func() {
		assembler := NewFastPacketAssembler(0)
		id := testCanId()

		So(assembler.Accept(id, 1, 0, []byte{0x20, 0x00, 1, 2, 3, 4, 5, 6}), ShouldBeNil)
		So(assembler.HasInProgress(id, 1), ShouldBeFalse)
	})

	Convey("a start that already completes returns immediately", t, func() {
		assembler := NewFastPacketAssembler(0)
		id := testCanId()

		payload := assembler.Accept(id, 2, 0, []byte{0x40, 0x04, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
		So(payload, ShouldResemble, []byte{0xAA, 0xBB, 0xCC, 0xDD})
		So(assembler.HasInProgress(id, 2), ShouldBeFalse)
	})

	Convey("a new start replaces a partial assembly for the same key", t, func() {
		assembler := NewFastPacketAssembler(0)
		id := testCanId()

		So(assembler.Accept(id, 3, 0, []byte{0x60, 20, 1, 2, 3, 4, 5, 6}), ShouldBeNil)

		second := patternPayload(13)
		result := feedFrames(assembler, id, fragment(t, 3, second))
		So(result, ShouldResemble, second)
	})
}

func TestAssemblerContinuations(t *testing.T) {
	Convey("continuations without a start are dropped and counted", t, func() {
		assembler := NewFastPacketAssembler(0)
		id := testCanId()

		So(assembler.Accept(id, 4, 1, []byte{0x81, 1, 2, 3, 4, 5, 6, 7}), ShouldBeNil)
		So(assembler.DroppedNoStart(), ShouldEqual, 1)
	})

	Convey("keys never mix: same sequence id on another source assembles apart", t, func() {
		assembler := NewFastPacketAssembler(0)
		first := testCanId()
		second := testCanId()
		second.Source = 0x42

		payloadA := patternPayload(20)
		payloadB := make([]byte, 20)
		for i := range payloadB {
			payloadB[i] = byte(200 - i)
		}

		framesA := fragment(t, 1, payloadA)
		framesB := fragment(t, 1, payloadB)

		// interleave the two streams frame by frame
		var gotA, gotB []byte
		for i := range framesA {
			sequenceId := (framesA[i][0] >> 5) & 0x07
			frameIndex := framesA[i][0] & 0x1F
			if p := assembler.Accept(first, sequenceId, frameIndex, framesA[i]); p != nil {
				gotA = p
			}
			if p := assembler.Accept(second, sequenceId, frameIndex, framesB[i]); p != nil {
				gotB = p
			}
		}

		So(gotA, ShouldResemble, payloadA)
		So(gotB, ShouldResemble, payloadB)
	})
}

func TestAssemblerEviction(t *testing.T) {
	Convey("the in-progress map is bounded and evicts the stalest key", t, func() {
		assembler := NewFastPacketAssembler(2)
		id := testCanId()

		// three partial assemblies on distinct sequence ids
		So(assembler.Accept(id, 0, 0, []byte{0x00, 20, 1, 2, 3, 4, 5, 6}), ShouldBeNil)
		So(assembler.Accept(id, 1, 0, []byte{0x20, 20, 1, 2, 3, 4, 5, 6}), ShouldBeNil)
		So(assembler.Accept(id, 2, 0, []byte{0x40, 20, 1, 2, 3, 4, 5, 6}), ShouldBeNil)

		Convey("the oldest assembly is gone", func() {
			So(assembler.HasInProgress(id, 0), ShouldBeFalse)
			So(assembler.HasInProgress(id, 1), ShouldBeTrue)
			So(assembler.HasInProgress(id, 2), ShouldBeTrue)
		})

		Convey("a continuation for the evicted key is treated as missing its start", func() {
			So(assembler.Accept(id, 0, 1, []byte{0x01, 7, 8, 9, 10, 11, 12, 13}), ShouldBeNil)
			So(assembler.DroppedNoStart(), ShouldEqual, 1)
		})
	})
}
