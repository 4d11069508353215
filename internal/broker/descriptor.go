package broker

import "mbus/internal/pool"

// Label identifies a logical message stream. The namespace is flat;
// label 0 is valid but conventionally left unused by applications.
type Label = uint16

// NumLabels is the size of the label space.
const NumLabels = 1 << 16

// Descriptor is the item enqueued into an inbox: the label, the payload
// length, and the pooled block carrying the bytes.
//
// Invariants: Size == 0 implies Block == nil (a signal); Size > 0 implies
// Block != nil with len(Block.Buf) >= Size, valid until exactly one
// Release call.
type Descriptor struct {
	Label Label
	Size  uint16
	Block *pool.Block
}

// Bytes returns the payload, or nil for a signal descriptor.
func (d *Descriptor) Bytes() []byte {
	if d.Block == nil {
		return nil
	}
	return d.Block.Buf[:d.Size]
}

// IsSignal reports whether the descriptor carries no payload.
func (d *Descriptor) IsSignal() bool { return d.Block == nil }
