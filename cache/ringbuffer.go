package cache

// DefaultRingSize is the capacity of the streaming ring buffer in bytes.
const DefaultRingSize = 1024 * 1024

// Ring is a fixed-capacity FIFO byte queue. Unlike a history buffer it never
// overwrites unread data: Write stores only what fits and reports how much.
//
// The ring tracks absolute stream offsets so the consumer can tell which file
// offset the next byte belongs to. Ring is not safe for concurrent use; the
// owner guards it.
type Ring struct {
	data     []byte
	capacity int
	// readPosition is the index of the oldest unread byte.
	readPosition int
	// stored is the number of unread bytes.
	stored int
	// readOffset is the absolute stream offset of the byte at readPosition.
	readOffset int64
}

// NewRing creates a ring with the given capacity in bytes.
func NewRing(capacity int) *Ring {
	return &Ring{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends as much of data as fits and returns the number of bytes stored.
func (ring *Ring) Write(data []byte) int {
	written := 0
	for written < len(data) && ring.stored < ring.capacity {
		writePosition := (ring.readPosition + ring.stored) % ring.capacity
		available := ring.capacity - writePosition
		if free := ring.capacity - ring.stored; available > free {
			available = free
		}
		copyLength := min(len(data)-written, available)
		copy(ring.data[writePosition:writePosition+copyLength], data[written:written+copyLength])
		ring.stored += copyLength
		written += copyLength
	}
	return written
}

// Read pops up to len(p) bytes into p.
func (ring *Ring) Read(p []byte) int {
	read := 0
	for read < len(p) && ring.stored > 0 {
		available := min(ring.capacity-ring.readPosition, ring.stored)
		copyLength := min(len(p)-read, available)
		copy(p[read:read+copyLength], ring.data[ring.readPosition:ring.readPosition+copyLength])
		ring.readPosition = (ring.readPosition + copyLength) % ring.capacity
		ring.stored -= copyLength
		ring.readOffset += int64(copyLength)
		read += copyLength
	}
	return read
}

// Len returns the number of unread bytes.
func (ring *Ring) Len() int { return ring.stored }

// Free returns the number of bytes Write can accept.
func (ring *Ring) Free() int { return ring.capacity - ring.stored }

// Cap returns the ring capacity.
func (ring *Ring) Cap() int { return ring.capacity }

// Offset returns the absolute stream offset of the next byte Read returns.
func (ring *Ring) Offset() int64 { return ring.readOffset }

// Reset discards the content and sets the offset of the next byte.
func (ring *Ring) Reset(offset int64) {
	ring.readPosition = 0
	ring.stored = 0
	ring.readOffset = offset
}
