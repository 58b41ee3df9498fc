package viewstate

import (
	"context"
	"fmt"

	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

// Manager keeps the local and remote handshake stages of one connection in lockstep. The local
// stage advances through a two-phase commit driven by the transport; the remote stage follows the
// peer's announcements. A stage is entered on the Owner once both sides agree on it and have
// acknowledged entry, and exited once both have acknowledged completion.
//
// Every protocol violation disconnects the Owner exactly once, after which the Manager refuses all
// further transitions. A Manager is driven by a single goroutine.
type Manager struct {
	logger *slog.Logger
	name   string
	owner  Owner

	local          State
	localSub       LocalSubState
	remote         State
	remoteFinished bool

	current State
	active  bool

	locks         *swiss.Map[string, int]
	lockCount     int
	pending       bool
	pendingUrgent bool

	dead             bool
	disconnectReason string
}

// New creates a Manager with both peers at Initial and the local stage fully acknowledged, ready
// for the first SetLocalState
func New(logger *slog.Logger, name string, owner Owner) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger:         logger,
		name:           name,
		owner:          owner,
		local:          StateInitial,
		localSub:       LocalFinishedAcked,
		remote:         StateInitial,
		remoteFinished: true,
		current:        StateInitial,
		locks:          swiss.NewMap[string, int](8),
	}
}

// Name returns the name the manager was created with
func (m *Manager) Name() string {
	return m.name
}

// Verify disconnects the owner with the formatted reason when cond is false and reports cond. Only
// the first failure reaches the owner.
func (m *Manager) Verify(cond bool, format string, args ...any) bool {
	if cond {
		return true
	}
	if m.dead {
		return false
	}

	m.dead = true
	m.disconnectReason = fmt.Sprintf(format, args...)

	m.logger.LogAttrs(context.Background(), slog.LevelError, "[VIEW STATE VIOLATION] disconnecting",
		slog.String("view", m.name),
		slog.String("reason", m.disconnectReason),
		slog.String("local", m.local.String()),
		slog.String("localSub", m.localSub.String()),
		slog.String("remote", m.remote.String()),
		slog.Bool("remoteFinished", m.remoteFinished),
	)

	m.owner.OnViewStateDisconnect(m.disconnectReason)
	return false
}

// Dead reports whether a protocol violation has disconnected the manager
func (m *Manager) Dead() bool {
	return m.dead
}

// DisconnectReason returns the reason passed to OnViewStateDisconnect, if any
func (m *Manager) DisconnectReason() string {
	return m.disconnectReason
}

func (m *Manager) LocalState() State { return m.local }

func (m *Manager) LocalSubState() LocalSubState { return m.localSub }

func (m *Manager) RemoteState() State { return m.remote }

func (m *Manager) RemoteFinished() bool { return m.remoteFinished }

// CurrentState returns the stage most recently entered on the owner
func (m *Manager) CurrentState() State {
	return m.current
}

// IsInState reports whether s is the stage most recently entered
func (m *Manager) IsInState(s State) bool {
	return m.current == s
}

// IsPastOrInState reports whether the stage most recently entered is s or later
func (m *Manager) IsPastOrInState(s State) bool {
	return m.current >= s
}

// IsBeforeState reports whether the stage most recently entered precedes s
func (m *Manager) IsBeforeState(s State) bool {
	return m.current < s
}

func (m *Manager) logTransition(msg string, state State) {
	m.logger.LogAttrs(context.Background(), slog.LevelDebug, msg,
		slog.String("view", m.name),
		slog.String("state", state.String()),
		slog.String("localSub", m.localSub.String()),
		slog.String("remote", m.remote.String()),
	)
}

// announce asks the owner to send state information, or defers the request while locked
func (m *Manager) announce(urgent bool) {
	if m.lockCount > 0 {
		m.pending = true
		m.pendingUrgent = m.pendingUrgent || urgent
		return
	}

	m.owner.OnNeedToSendStateInformation(urgent)
}

func (m *Manager) expectLocal(op string, want LocalSubState) bool {
	if m.dead {
		return false
	}
	return m.Verify(m.localSub == want, "%s with local %s in sub-state %s, expected %s", op, m.local, m.localSub, want)
}

// SetLocalState begins the transition of the local stage to next. It requires the current stage to
// be fully acknowledged, and next to be Initial or the stage following the current one.
func (m *Manager) SetLocalState(next State) bool {
	if !m.expectLocal(fmt.Sprintf("SetLocalState(%s)", next), LocalFinishedAcked) {
		return false
	}
	if !m.Verify(next == StateInitial || (next.Valid() && next == m.local+1),
		"SetLocalState(%s) skips ahead of local %s", next, m.local) {
		return false
	}

	m.local = next
	m.localSub = LocalSet
	m.logTransition("local view state set", next)

	m.announce(false)
	return true
}

// SendLocalState records that the local stage was written to an outgoing packet
func (m *Manager) SendLocalState() bool {
	if !m.expectLocal("SendLocalState", LocalSet) {
		return false
	}

	m.localSub = LocalSent
	return true
}

// AckLocalState resolves the packet that carried the local stage. A negative acknowledgement
// returns to Set and asks for the announcement to be repeated.
func (m *Manager) AckLocalState(acked bool) bool {
	if !m.expectLocal("AckLocalState", LocalSent) {
		return false
	}

	if !acked {
		m.localSub = LocalSet
		m.announce(true)
		return true
	}

	m.localSub = LocalAcked
	m.logTransition("local view state acknowledged", m.local)
	m.attemptEnter()
	return !m.dead
}

// FinishLocalState begins announcing that local work for the current stage is complete
func (m *Manager) FinishLocalState() bool {
	if !m.expectLocal("FinishLocalState", LocalAcked) {
		return false
	}

	m.localSub = LocalFinishedSet
	m.logTransition("local view state finished", m.local)

	m.announce(false)
	return true
}

// SendFinishLocalState records that the completion of the local stage was written to an outgoing
// packet
func (m *Manager) SendFinishLocalState() bool {
	if !m.expectLocal("SendFinishLocalState", LocalFinishedSet) {
		return false
	}

	m.localSub = LocalFinishedSent
	return true
}

// AckFinishLocalState resolves the packet that carried the completion of the local stage. A
// negative acknowledgement returns to FinishedSet and asks for the announcement to be repeated.
func (m *Manager) AckFinishLocalState(acked bool) bool {
	if !m.expectLocal("AckFinishLocalState", LocalFinishedSent) {
		return false
	}

	if !acked {
		m.localSub = LocalFinishedSet
		m.announce(true)
		return true
	}

	m.localSub = LocalFinishedAcked
	m.attemptExit()
	return !m.dead
}

// SetRemoteState applies the peer's announcement of its next stage. Anything other than Initial or
// the stage following the current remote stage is rejected without changing any state.
func (m *Manager) SetRemoteState(next State) bool {
	if m.dead {
		return false
	}

	if next != StateInitial && (!next.Valid() || next != m.remote+1) {
		m.logger.LogAttrs(context.Background(), slog.LevelWarn, "rejected remote view state",
			slog.String("view", m.name),
			slog.String("remote", m.remote.String()),
			slog.String("requested", next.String()),
		)
		return false
	}

	m.remote = next
	m.remoteFinished = false
	m.logTransition("remote view state set", next)

	m.attemptEnter()
	return !m.dead
}

// FinishRemoteState applies the peer's announcement that it completed its current stage
func (m *Manager) FinishRemoteState() bool {
	if m.dead {
		return false
	}
	if !m.Verify(!m.remoteFinished, "remote finished %s twice", m.remote) {
		return false
	}

	m.remoteFinished = true
	m.logTransition("remote view state finished", m.remote)

	m.attemptExit()
	return !m.dead
}

func (m *Manager) attemptEnter() {
	if m.local != m.remote || m.localSub != LocalAcked || m.remoteFinished {
		return
	}
	if m.active && m.current == m.local {
		return
	}
	if !m.Verify(!m.active, "entering %s while %s was never exited", m.local, m.current) {
		return
	}

	state := m.local
	m.current = state
	m.active = true
	m.logTransition("entering view state", state)

	ok := m.owner.EnterState(state)
	m.Verify(ok, "owner refused to enter %s", state)
}

func (m *Manager) attemptExit() {
	if m.local != m.remote || m.localSub != LocalFinishedAcked || !m.remoteFinished {
		return
	}
	if !m.Verify(m.active && m.current == m.local, "exiting %s which was never entered", m.local) {
		return
	}

	state := m.local
	m.active = false
	m.logTransition("exiting view state", state)

	m.owner.ExitState(state)
	if m.dead {
		return
	}
	m.Verify(m.local != m.remote, "no next local state was queued when exiting %s", state)
}

// ShouldSendLocalState reports whether the local stage needs to be written to the next packet. It
// is false while any lock is held.
func (m *Manager) ShouldSendLocalState() (State, bool) {
	if m.dead || m.lockCount > 0 || m.localSub != LocalSet {
		return m.local, false
	}
	return m.local, true
}

// ShouldSendFinishLocalState reports whether the completion of the local stage needs to be written
// to the next packet. It is false while any lock is held.
func (m *Manager) ShouldSendFinishLocalState() bool {
	return !m.dead && m.lockCount == 0 && m.localSub == LocalFinishedSet
}
