package history

import "fmt"

// Key identifies one synchronized property of one object for one peer
type Key uint64

func (k Key) String() string {
	return fmt.Sprintf("%#x", uint64(k))
}

// Seq is an outgoing packet sequence number. Sequence numbers wrap, so they are compared with
// serial number arithmetic: a is before b when the signed distance from a to b is positive.
// Two numbers exactly half the space apart are unordered in both directions.
type Seq uint32

// Distance returns the signed number of steps from s forward to other
func (s Seq) Distance(other Seq) int32 {
	return int32(other - s)
}

// Before reports whether s was issued earlier than other
func (s Seq) Before(other Seq) bool {
	return s.Distance(other) > 0
}

// After reports whether s was issued later than other
func (s Seq) After(other Seq) bool {
	return other.Before(s)
}

// Next returns the sequence number following s
func (s Seq) Next() Seq {
	return s + 1
}
