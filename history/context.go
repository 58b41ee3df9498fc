package history

import "time"

//go:generate mockgen -destination mocks/encoder.go -package mocks github.com/MergHQ/netsync/history Encoder,Strategy

// Source produces the current authoritative value of a property
type Source interface {
	// AppendValue appends the current value to dst and returns the extended slice
	AppendValue(dst []byte) []byte
}

// SourceFunc adapts a function to a Source
type SourceFunc func(dst []byte) []byte

func (f SourceFunc) AppendValue(dst []byte) []byte {
	return f(dst)
}

// Encoder writes a value into the outgoing packet. basis is the last value the peer acknowledged,
// or nil when there is none, and may be used for differential encoding. A returned error means the
// value was not written, typically because the packet is out of room.
type Encoder interface {
	EncodeValue(key Key, seq Seq, basis []byte, value []byte) error
}

// Context carries one send opportunity for one property
type Context struct {
	// Key names the property
	Key Key
	// CurrentSeq is the outgoing sequence number of the packet being written, or the sequence number
	// being resolved when passed to Ack
	CurrentSeq Seq
	// Source supplies the authoritative value. Required by NeedToSync and Send.
	Source Source
	// Encoder writes the value. Required by Send.
	Encoder Encoder
	// Now is the time of the send opportunity, used by throttling strategies
	Now time.Time
}
