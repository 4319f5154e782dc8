// Package j1939 builds and parses the 29-bit extended CAN identifiers shared
// by SAE J1939 and NMEA 2000.
package j1939

import (
	"fmt"

	"github.com/seabus/canstack/canbus"
)

// AddressGlobal is the broadcast destination address.
const AddressGlobal uint8 = 0xFF

const (
	// pduFormatThreshold splits PDU1 (targeted) from PDU2 (broadcast).
	pduFormatThreshold = 240

	identifierMask uint32 = 0x1FFFFFFF
	pgnMask        uint32 = 0x3FFFF
)

// CanId is a parsed 29-bit identifier.
//
// Layout: priority bits 26..28, data page bit 24, PF bits 16..23, PS bits
// 8..15, source address bits 0..7. PF < 240 is PDU1: PS is the destination
// and the PGN low byte is zero. PF >= 240 is PDU2: PS joins the PGN and the
// destination is global.
type CanId struct {
	Priority    uint8
	PGN         uint32
	Source      uint8
	Destination uint8
}

// Parse extracts the J1939 fields from an identifier. Flag bits above bit 28
// are masked off first.
func Parse(identifier uint32) CanId {
	id := identifier & identifierMask

	priority := uint8((id >> 26) & 0x07)
	pf := (id >> 16) & 0xFF
	ps := uint8((id >> 8) & 0xFF)
	source := uint8(id & 0xFF)
	dataPage := (id >> 24) & 0x01

	var pgn uint32
	destination := AddressGlobal

	if pf < pduFormatThreshold {
		destination = ps
		pgn = (dataPage << 16) | (pf << 8)
	} else {
		pgn = (dataPage << 16) | (pf << 8) | uint32(ps)
	}

	return CanId{Priority: priority, PGN: pgn, Source: source, Destination: destination}
}

// IsPDU1 reports whether the PGN addresses a specific destination.
func (c CanId) IsPDU1() bool {
	return c.PGN&0xFF == 0
}

// IsPDU2 reports whether the PGN is broadcast.
func (c CanId) IsPDU2() bool {
	return !c.IsPDU1()
}

// Build assembles a 29-bit identifier. PDU1 PGNs must have a zero low byte;
// for PDU2 the destination argument is ignored and the PGN low byte becomes
// the PDU specific field. The result never has flag bits set.
func Build(pgn uint32, priority, source, destination uint8) (uint32, error) {
	if priority > 7 {
		return 0, fmt.Errorf("%w: priority %d outside 0..7", canbus.ErrInvalidArgument, priority)
	}
	if pgn&^pgnMask != 0 {
		return 0, fmt.Errorf("%w: pgn 0x%X exceeds 18 bits", canbus.ErrInvalidArgument, pgn)
	}

	dp := (pgn >> 16) & 0x01
	pf := (pgn >> 8) & 0xFF

	var ps uint32
	if pf < pduFormatThreshold {
		if pgn&0xFF != 0 {
			return 0, fmt.Errorf("%w: PDU1 pgn 0x%X must have a zero low byte", canbus.ErrInvalidArgument, pgn)
		}
		ps = uint32(destination)
	} else {
		ps = pgn & 0xFF
	}

	id := uint32(priority) << 26
	id |= dp << 24
	id |= pf << 16
	id |= ps << 8
	id |= uint32(source)

	return id & identifierMask, nil
}
