package history

import (
	"bytes"
	"context"
	"fmt"

	"github.com/MergHQ/netsync/mmm"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

const defaultScratchSize = 256

type memento struct {
	seq    Seq
	acked  bool
	nacked bool
	handle mmm.Handle
}

// slot holds the mementos of one property, oldest first. At most one acknowledged memento is kept:
// acknowledging a memento releases everything older.
type slot struct {
	state    State
	lost     bool
	mementos []memento
}

func (s *slot) newest() *memento {
	if len(s.mementos) == 0 {
		return nil
	}
	return &s.mementos[len(s.mementos)-1]
}

func (s *slot) basisIndex() int {
	for i := len(s.mementos) - 1; i >= 0; i-- {
		if s.mementos[i].acked {
			return i
		}
	}
	return -1
}

func (s *slot) find(seq Seq) int {
	for i := range s.mementos {
		if s.mementos[i].seq == seq {
			return i
		}
	}
	return -1
}

// Memento is a snapshot of a retained memento. Value is a copy and stays valid after the history
// changes.
type Memento struct {
	Seq   Seq
	Acked bool
	Value []byte
}

// History keeps, for every synchronized property sent to one peer, the values that were sent and
// not yet superseded by an acknowledged send. It decides when a property must be (re)sent and
// supplies the basis for differential encoding. Memento bytes live in handles of an mmm.Allocator,
// which may be shared with other histories.
//
// A History is driven by a single goroutine. Stats may be read concurrently.
type History struct {
	logger   *slog.Logger
	name     string
	alloc    mmm.Allocator
	strategy Strategy

	slots     *swiss.Map[Key, *slot]
	listeners []ResetListener
	scratch   []byte
	closed    bool

	counters counters
}

// New creates a History named name. A nil strategy permits every send.
func New(logger *slog.Logger, name string, alloc mmm.Allocator, strategy Strategy) *History {
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == nil {
		strategy = AlwaysStrategy{}
	}

	return &History{
		logger:   logger,
		name:     name,
		alloc:    alloc,
		strategy: strategy,
		slots:    swiss.NewMap[Key, *slot](64),
		scratch:  alloc.AllocRaw(defaultScratchSize),
	}
}

// Name returns the name the history was created with
func (h *History) Name() string {
	return h.name
}

func (h *History) lookupOrCreate(key Key) *slot {
	s, ok := h.slots.Get(key)
	if !ok {
		s = &slot{state: StateIdle}
		h.slots.Put(key, s)
		h.counters.properties.Add(1)
	}
	return s
}

func (h *History) release(m memento) {
	err := h.alloc.FreeHandle(m.handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when releasing memento %d: %+v", m.seq, err))
	}
	h.counters.mementos.Add(-1)
}

func (h *History) releaseAll(s *slot) int {
	discarded := len(s.mementos)
	for _, m := range s.mementos {
		h.release(m)
	}
	s.mementos = nil
	s.lost = false
	s.state = StateIdle
	return discarded
}

// removeOlderThanBasis releases every memento older than the newest acknowledged one, along with
// negatively acknowledged mementos, which can never become the basis
func (h *History) removeOlderThanBasis(s *slot) {
	basis := s.basisIndex()
	kept := s.mementos[:0]
	for i, m := range s.mementos {
		if i < basis || m.nacked {
			h.release(m)
			continue
		}
		kept = append(kept, m)
	}

	for i := len(kept); i < len(s.mementos); i++ {
		s.mementos[i] = memento{}
	}
	s.mementos = kept
}

func (h *History) snapshot(m memento) Memento {
	return Memento{
		Seq:   m.seq,
		Acked: m.acked,
		Value: append([]byte(nil), h.alloc.PinHandle(m.handle)...),
	}
}

// PrepareToSync creates the slot for ctx.Key if needed and reports whether the strategy currently
// permits sending it
func (h *History) PrepareToSync(ctx Context) bool {
	if h.closed {
		return false
	}

	h.lookupOrCreate(ctx.Key)
	return h.strategy.CanSync(ctx.Key, ctx.Now)
}

// NeedToSync reports whether ctx.Key is permitted to send and dirty: never sent, last send lost,
// or the value from ctx.Source differs from the newest memento
func (h *History) NeedToSync(ctx Context) bool {
	if !h.PrepareToSync(ctx) {
		return false
	}

	s, _ := h.slots.Get(ctx.Key)
	if !h.dirty(s, ctx.Source) {
		return false
	}

	s.state = StatePendingSend
	return true
}

func (h *History) dirty(s *slot, source Source) bool {
	newest := s.newest()
	if newest == nil || s.lost || source == nil {
		return true
	}

	value := source.AppendValue(h.scratch[:0])
	return !bytes.Equal(value, h.alloc.PinHandle(newest.handle))
}

// Send encodes the current value of ctx.Key at ctx.CurrentSeq and records it as a new memento. It
// first releases mementos superseded by the basis. When the encoder refuses the value nothing is
// recorded and SendFailed is returned with a nil error; errors are reserved for misuse.
func (h *History) Send(ctx Context) (SendResult, error) {
	if h.closed {
		return SendFailed, ErrClosed
	}
	if ctx.Source == nil || ctx.Encoder == nil {
		return SendFailed, errors.Wrapf(ErrMissingCollaborator, "property %s", ctx.Key)
	}

	s := h.lookupOrCreate(ctx.Key)
	if newest := s.newest(); newest != nil && !ctx.CurrentSeq.After(newest.seq) {
		return SendFailed, errors.Wrapf(ErrSequenceOrder, "property %s sent at %d after %d", ctx.Key, ctx.CurrentSeq, newest.seq)
	}

	h.removeOlderThanBasis(s)

	value := ctx.Source.AppendValue(h.scratch[:0])
	owned := mmm.NewAutoFreeHandle(h.alloc, h.alloc.AllocHandle(len(value)))
	defer func() {
		if err := owned.Release(); err != nil {
			panic(fmt.Sprintf("unexpected error when releasing unsent memento: %+v", err))
		}
	}()
	copy(h.alloc.PinHandle(owned.Peek()), value)

	var basis []byte
	if index := s.basisIndex(); index >= 0 {
		basis = h.alloc.PinHandle(s.mementos[index].handle)
	}

	err := ctx.Encoder.EncodeValue(ctx.Key, ctx.CurrentSeq, basis, h.alloc.PinHandle(owned.Peek()))
	if err != nil {
		h.counters.failedSends.Add(1)
		h.logger.LogAttrs(context.Background(), slog.LevelDebug, "deferred property send",
			slog.String("history", h.name),
			slog.String("key", ctx.Key.String()),
			slog.Uint64("seq", uint64(ctx.CurrentSeq)),
			slog.String("error", err.Error()),
		)
		return SendFailed, nil
	}

	s.mementos = append(s.mementos, memento{seq: ctx.CurrentSeq, handle: owned.Grab()})
	s.lost = false
	s.state = StateSent

	h.strategy.Sent(ctx.Key, ctx.Now)
	h.counters.sends.Add(1)
	h.counters.mementos.Add(1)
	return SendOk, nil
}

// Ack resolves the memento of ctx.Key sent at ctx.CurrentSeq. A positive ack makes it the basis and
// releases every older memento. A negative ack on the newest memento marks the property lost, so
// the next NeedToSync is true. A negative ack of a superseded send does not make the property dirty
// while a newer send is in flight. Ack returns false when no such memento is retained or it was
// already acknowledged, which happens for duplicate or superseded verdicts.
func (h *History) Ack(ctx Context, acked bool) bool {
	if h.closed {
		return false
	}

	s, ok := h.slots.Get(ctx.Key)
	index := -1
	if ok {
		index = s.find(ctx.CurrentSeq)
	}
	if index < 0 {
		h.counters.unknownAcks.Add(1)
		return false
	}

	m := &s.mementos[index]
	newest := index == len(s.mementos)-1

	if !acked {
		if m.acked {
			h.counters.unknownAcks.Add(1)
			return false
		}
		m.nacked = true
		if newest {
			s.lost = true
			s.state = StateLost
		}
		h.counters.nacks.Add(1)
		return true
	}

	if m.acked {
		h.counters.unknownAcks.Add(1)
		return false
	}

	m.acked = true
	m.nacked = false
	for _, older := range s.mementos[:index] {
		h.release(older)
	}
	remaining := copy(s.mementos, s.mementos[index:])
	for i := remaining; i < len(s.mementos); i++ {
		s.mementos[i] = memento{}
	}
	s.mementos = s.mementos[:remaining]

	if newest {
		s.lost = false
		s.state = StateAcked
	}
	h.counters.acks.Add(1)
	return true
}

// FindPrevElem returns the acknowledged memento of key with the greatest sequence number not after
// basis
func (h *History) FindPrevElem(key Key, basis Seq) (Memento, bool) {
	s, ok := h.slots.Get(key)
	if !ok {
		return Memento{}, false
	}

	for i := len(s.mementos) - 1; i >= 0; i-- {
		m := s.mementos[i]
		if m.acked && !m.seq.After(basis) {
			return h.snapshot(m), true
		}
	}
	return Memento{}, false
}

// Basis returns the newest acknowledged memento of key
func (h *History) Basis(key Key) (Memento, bool) {
	s, ok := h.slots.Get(key)
	if !ok {
		return Memento{}, false
	}

	index := s.basisIndex()
	if index < 0 {
		return Memento{}, false
	}
	return h.snapshot(s.mementos[index]), true
}

// Mementos returns every retained memento of key, oldest first
func (h *History) Mementos(key Key) []Memento {
	s, ok := h.slots.Get(key)
	if !ok {
		return nil
	}

	mementos := make([]Memento, 0, len(s.mementos))
	for _, m := range s.mementos {
		mementos = append(mementos, h.snapshot(m))
	}
	return mementos
}

// State returns the synchronization state of key. Unknown keys are idle.
func (h *History) State(key Key) State {
	s, ok := h.slots.Get(key)
	if !ok {
		return StateIdle
	}
	return s.state
}

// Flush discards every memento of key, forgets its throttling state and raises a ResetEvent. It
// returns the number of mementos discarded.
func (h *History) Flush(key Key, reason string) int {
	if h.closed {
		return 0
	}

	discarded := 0
	if s, ok := h.slots.Get(key); ok {
		discarded = h.releaseAll(s)
	}
	h.strategy.Forget(key)
	h.counters.resets.Add(1)

	h.raiseReset(ResetEvent{Key: key, Reason: reason, Discarded: discarded})
	return discarded
}

// Reset discards the mementos of every property and raises a single ResetEvent
func (h *History) Reset(reason string) int {
	if h.closed {
		return 0
	}

	discarded := 0
	h.slots.Iter(func(key Key, s *slot) bool {
		discarded += h.releaseAll(s)
		h.strategy.Forget(key)
		return false
	})
	h.counters.resets.Add(1)

	h.raiseReset(ResetEvent{All: true, Reason: reason, Discarded: discarded})
	return discarded
}

// Remove discards key entirely, without raising an event. Used when a property stops being
// synchronized.
func (h *History) Remove(key Key) {
	s, ok := h.slots.Get(key)
	if !ok {
		return
	}

	h.releaseAll(s)
	h.slots.Delete(key)
	h.strategy.Forget(key)
	h.counters.properties.Add(-1)
}

// Close releases every memento and the scratch buffer back to the allocator. The history cannot be
// used afterwards.
func (h *History) Close() error {
	if h.closed {
		return nil
	}

	h.slots.Iter(func(key Key, s *slot) bool {
		h.releaseAll(s)
		return false
	})
	h.slots.Clear()
	h.counters.properties.Store(0)
	h.closed = true

	err := h.alloc.FreeRaw(h.scratch)
	h.scratch = nil
	if err != nil {
		return errors.Wrapf(err, "release scratch buffer of history %s", h.name)
	}
	return nil
}
