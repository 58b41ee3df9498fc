package utils

import (
	"sync"
	"sync/atomic"
)

// OptionalMutex is a mutex that can be switched off for owners that are externally synchronized.
// A switched off mutex still panics when two writers overlap, since the owner was then not
// synchronized after all.
type OptionalMutex struct {
	Enabled bool

	mutex   sync.Mutex
	writing atomic.Bool
}

func (m *OptionalMutex) Lock() {
	if m.Enabled {
		m.mutex.Lock()
		return
	}
	enterUnsynchronized(&m.writing)
}

func (m *OptionalMutex) Unlock() {
	if m.Enabled {
		m.mutex.Unlock()
		return
	}
	m.writing.Store(false)
}

// OptionalRWMutex is the reader/writer counterpart of OptionalMutex. Readers of a switched off
// mutex are not checked.
type OptionalRWMutex struct {
	Enabled bool

	mutex   sync.RWMutex
	writing atomic.Bool
}

func (m *OptionalRWMutex) Lock() {
	if m.Enabled {
		m.mutex.Lock()
		return
	}
	enterUnsynchronized(&m.writing)
}

func (m *OptionalRWMutex) Unlock() {
	if m.Enabled {
		m.mutex.Unlock()
		return
	}
	m.writing.Store(false)
}

func (m *OptionalRWMutex) RLock() {
	if m.Enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.Enabled {
		m.mutex.RUnlock()
	}
}

func enterUnsynchronized(writing *atomic.Bool) {
	if !writing.CompareAndSwap(false, true) {
		panic("externally synchronized owner was entered by two writers at once")
	}
}
