package viewstate

import (
	"context"
	"strings"

	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// LockStateChanges holds back state announcements until a matching UnlockStateChanges. Locks are
// named and reentrant; the manager keeps advancing internally while locked.
func (m *Manager) LockStateChanges(name string) {
	count, _ := m.locks.Get(name)
	m.locks.Put(name, count+1)
	m.lockCount++
}

// UnlockStateChanges releases one hold of name. Releasing the last hold of the last lock sends a
// deferred announcement immediately, if one is still due. Unlocking a name that is not held is a
// protocol violation.
func (m *Manager) UnlockStateChanges(name string) bool {
	count, _ := m.locks.Get(name)
	if !m.Verify(count > 0, "unbalanced unlock of %q", name) {
		return false
	}

	if count == 1 {
		m.locks.Delete(name)
	} else {
		m.locks.Put(name, count-1)
	}
	m.lockCount--

	if m.lockCount > 0 || !m.pending {
		return true
	}

	urgent := m.pendingUrgent
	m.pending = false
	m.pendingUrgent = false
	if !m.dead && (m.localSub == LocalSet || m.localSub == LocalFinishedSet) {
		m.owner.OnNeedToSendStateInformation(urgent)
	}
	return true
}

// Locked reports whether any lock is held
func (m *Manager) Locked() bool {
	return m.lockCount > 0
}

// Locker is one held lock
type Locker struct {
	Name  string
	Count int
}

// Lockers returns every held lock, ordered by name
func (m *Manager) Lockers() []Locker {
	lockers := make([]Locker, 0, m.locks.Count())
	m.locks.Iter(func(name string, count int) bool {
		lockers = append(lockers, Locker{Name: name, Count: count})
		return false
	})

	slices.SortFunc(lockers, func(a, b Locker) int {
		return strings.Compare(a.Name, b.Name)
	})
	return lockers
}

// DumpLockers logs every held lock
func (m *Manager) DumpLockers() {
	lockers := m.Lockers()
	m.logger.LogAttrs(context.Background(), slog.LevelInfo, "view state lockers",
		slog.String("view", m.name),
		slog.Int("held", m.lockCount),
		slog.String("local", m.local.String()),
		slog.String("localSub", m.localSub.String()),
	)
	for _, locker := range lockers {
		m.logger.LogAttrs(context.Background(), slog.LevelInfo, "view state locker",
			slog.String("view", m.name),
			slog.String("lock", locker.Name),
			slog.Int("count", locker.Count),
		)
	}
}

// ChangeStateLock holds a single lock of a Manager until Release
type ChangeStateLock struct {
	manager *Manager
	name    string
}

// NewChangeStateLock locks name on manager
func NewChangeStateLock(manager *Manager, name string) *ChangeStateLock {
	manager.LockStateChanges(name)
	return &ChangeStateLock{manager: manager, name: name}
}

// Name returns the name of the held lock
func (l *ChangeStateLock) Name() string {
	return l.name
}

// Held reports whether Release has not yet been called
func (l *ChangeStateLock) Held() bool {
	return l.manager != nil
}

// Release unlocks the lock. Later calls do nothing.
func (l *ChangeStateLock) Release() {
	if l.manager == nil {
		return
	}

	manager := l.manager
	l.manager = nil
	manager.UnlockStateChanges(l.name)
}
