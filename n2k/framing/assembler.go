// Package framing carries N2K messages across CAN frames: fast-packet
// fragmentation and reassembly, sequence allocation, and the receive-side
// frame handler.
package framing

import (
	"sync"

	"github.com/seabus/canstack/j1939"
)

// DefaultMaxInProgress caps the assembler's in-progress map. Lossy links can
// start sequences that never finish; without a bound the map only grows.
const DefaultMaxInProgress = 64

type assemblyKey struct {
	pgn         uint32
	source      uint8
	destination uint8
	sequenceId  uint8
}

type assembly struct {
	payload    []byte
	writeIndex int
	arrival    uint64
}

func (a *assembly) append(src []byte) {
	remaining := len(a.payload) - a.writeIndex
	n := len(src)
	if n > remaining {
		n = remaining
	}
	if n <= 0 {
		return
	}
	copy(a.payload[a.writeIndex:], src[:n])
	a.writeIndex += n
}

func (a *assembly) complete() bool {
	return a.writeIndex >= len(a.payload)
}

// FastPacketAssembler reassembles fast-packet sequences keyed by
// (PGN, source, destination, sequence id). Access is serialized by a single
// mutex; interleave frames from one receive stream only.
type FastPacketAssembler struct {
	mu             sync.Mutex
	inProgress     map[assemblyKey]*assembly
	maxInProgress  int
	arrivals       uint64
	droppedNoStart uint64
}

// NewFastPacketAssembler builds an assembler bounded to maxInProgress
// concurrent sequences; zero or negative selects DefaultMaxInProgress.
func NewFastPacketAssembler(maxInProgress int) *FastPacketAssembler {
	if maxInProgress <= 0 {
		maxInProgress = DefaultMaxInProgress
	}
	return &FastPacketAssembler{
		inProgress:    make(map[assemblyKey]*assembly),
		maxInProgress: maxInProgress,
	}
}

// HasInProgress reports whether a sequence is being assembled for the key.
func (f *FastPacketAssembler) HasInProgress(id j1939.CanId, sequenceId uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inProgress[keyFor(id, sequenceId)]
	return ok
}

// Accept feeds one fast-packet frame in. A start frame (index 0) opens a new
// assembly, replacing any partial one for the same key; continuations append.
// The full payload is returned once assembly completes, nil otherwise.
// Continuations with no start in progress are dropped and counted.
func (f *FastPacketAssembler) Accept(id j1939.CanId, sequenceId, frameIndex uint8, frameData []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keyFor(id, sequenceId)

	if frameIndex == 0 {
		if len(frameData) < 2 {
			delete(f.inProgress, key)
			return nil
		}

		totalLength := int(frameData[1])
		if totalLength <= 0 {
			delete(f.inProgress, key)
			return nil
		}

		current := &assembly{payload: make([]byte, totalLength), arrival: f.arrivals}
		f.arrivals++
		f.evictFor(key)
		f.inProgress[key] = current

		// frame 0 carries up to 6 payload bytes after the header pair
		if len(frameData) > 2 {
			current.append(frameData[2:])
		}

		if current.complete() {
			delete(f.inProgress, key)
			return current.payload
		}
		return nil
	}

	current := f.inProgress[key]
	if current == nil {
		// missed the start frame; nothing to attach this to
		f.droppedNoStart++
		return nil
	}

	if len(frameData) > 1 {
		current.append(frameData[1:])
	}

	if current.complete() {
		delete(f.inProgress, key)
		return current.payload
	}
	return nil
}

// DroppedNoStart returns how many continuation frames arrived with no start
// in progress.
func (f *FastPacketAssembler) DroppedNoStart() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.droppedNoStart
}

// evictFor makes room for key by dropping the stalest assembly when the map
// is full. Called with the mutex held.
func (f *FastPacketAssembler) evictFor(key assemblyKey) {
	if len(f.inProgress) < f.maxInProgress {
		return
	}
	if _, ok := f.inProgress[key]; ok {
		return
	}

	var (
		oldestKey assemblyKey
		oldest    uint64
		found     bool
	)
	for k, a := range f.inProgress {
		if !found || a.arrival < oldest {
			oldestKey = k
			oldest = a.arrival
			found = true
		}
	}
	if found {
		delete(f.inProgress, oldestKey)
	}
}

func keyFor(id j1939.CanId, sequenceId uint8) assemblyKey {
	return assemblyKey{
		pgn:         id.PGN,
		source:      id.Source,
		destination: id.Destination,
		sequenceId:  sequenceId & 0x07,
	}
}
