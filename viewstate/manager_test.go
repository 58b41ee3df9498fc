package viewstate_test

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/MergHQ/netsync/viewstate"
	"github.com/MergHQ/netsync/viewstate/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readyMock(t *testing.T) (*mocks.MockOwner, *viewstate.Manager) {
	ctrl := gomock.NewController(t)
	owner := mocks.NewMockOwner(ctrl)
	return owner, viewstate.New(testLogger(), "test", owner)
}

// recordingOwner queues the next stage from ExitState like a real channel does
type recordingOwner struct {
	manager       *viewstate.Manager
	events        []string
	announcements []bool
	disconnects   []string
	refuseEnter   bool
	skipQueue     bool
}

func (o *recordingOwner) EnterState(state viewstate.State) bool {
	o.events = append(o.events, "enter "+state.String())
	return !o.refuseEnter
}

func (o *recordingOwner) ExitState(state viewstate.State) {
	o.events = append(o.events, "exit "+state.String())
	if !o.skipQueue {
		o.manager.SetLocalState(viewstate.NextState(state))
	}
}

func (o *recordingOwner) OnNeedToSendStateInformation(urgent bool) {
	o.announcements = append(o.announcements, urgent)
}

func (o *recordingOwner) OnViewStateDisconnect(reason string) {
	o.disconnects = append(o.disconnects, reason)
}

func readyRecording() (*recordingOwner, *viewstate.Manager) {
	owner := &recordingOwner{}
	manager := viewstate.New(testLogger(), "test", owner)
	owner.manager = manager
	return owner, manager
}

// enter drives both sides into the state the local side has queued
func enter(t *testing.T, manager *viewstate.Manager) {
	state := manager.LocalState()
	require.True(t, manager.SendLocalState())
	require.True(t, manager.AckLocalState(true))
	require.True(t, manager.SetRemoteState(state))
}

// exit drives both sides out of the current state
func exit(t *testing.T, manager *viewstate.Manager) {
	require.True(t, manager.FinishLocalState())
	require.True(t, manager.SendFinishLocalState())
	require.True(t, manager.AckFinishLocalState(true))
	require.True(t, manager.FinishRemoteState())
}

func TestPairedEntryScenario(t *testing.T) {
	owner, manager := readyMock(t)

	owner.EXPECT().OnNeedToSendStateInformation(false)
	require.True(t, manager.SetLocalState(viewstate.StateBegin))

	state, due := manager.ShouldSendLocalState()
	require.True(t, due)
	require.Equal(t, viewstate.StateBegin, state)

	require.True(t, manager.SendLocalState())
	require.True(t, manager.AckLocalState(true))
	require.Equal(t, viewstate.LocalAcked, manager.LocalSubState())

	owner.EXPECT().EnterState(viewstate.StateBegin).Return(true).Times(1)
	require.True(t, manager.SetRemoteState(viewstate.StateBegin))
	require.True(t, manager.IsInState(viewstate.StateBegin))

	// Skipping EstablishContext is refused without touching the remote stage
	require.False(t, manager.SetRemoteState(viewstate.StateConfigureContext))
	require.Equal(t, viewstate.StateBegin, manager.RemoteState())
	require.False(t, manager.RemoteFinished())
	require.False(t, manager.Dead())
}

func TestEntryWaitsForLocalAck(t *testing.T) {
	owner, manager := readyMock(t)

	owner.EXPECT().OnNeedToSendStateInformation(false)
	require.True(t, manager.SetLocalState(viewstate.StateBegin))
	require.True(t, manager.SetRemoteState(viewstate.StateBegin))
	require.True(t, manager.SendLocalState())

	owner.EXPECT().OnNeedToSendStateInformation(true)
	require.True(t, manager.AckLocalState(false))
	require.Equal(t, viewstate.LocalSet, manager.LocalSubState())
	require.True(t, manager.IsInState(viewstate.StateInitial))

	require.True(t, manager.SendLocalState())
	owner.EXPECT().EnterState(viewstate.StateBegin).Return(true)
	require.True(t, manager.AckLocalState(true))
	require.True(t, manager.IsInState(viewstate.StateBegin))
}

func TestSetRemoteStateRejectsSkips(t *testing.T) {
	// Local never acknowledges anything, so no entry can fire and the mock expects no calls
	for remote := viewstate.StateInitial; remote < viewstate.NumStates; remote++ {
		for next := viewstate.StateInitial; next <= viewstate.NumStates; next++ {
			t.Run(fmt.Sprintf("%s_to_%s", remote, next), func(t *testing.T) {
				_, manager := readyMock(t)
				for s := viewstate.StateBegin; s <= remote; s++ {
					require.True(t, manager.SetRemoteState(s))
				}
				require.Equal(t, remote, manager.RemoteState())

				accepted := manager.SetRemoteState(next)
				if next == viewstate.StateInitial || next == remote+1 && next < viewstate.NumStates {
					require.True(t, accepted)
					require.Equal(t, next, manager.RemoteState())
					return
				}

				require.False(t, accepted)
				require.Equal(t, remote, manager.RemoteState())
				require.False(t, manager.Dead())
			})
		}
	}
}

func TestFullHandshakeWrapsAround(t *testing.T) {
	owner, manager := readyRecording()

	require.True(t, manager.SetLocalState(viewstate.StateBegin))
	for state := viewstate.StateBegin; state <= viewstate.StateInGame; state++ {
		require.Equal(t, state, manager.LocalState())
		enter(t, manager)
		require.True(t, manager.IsInState(state))
		exit(t, manager)
		require.Equal(t, viewstate.NextState(state), manager.LocalState())
	}

	enter(t, manager)
	require.True(t, manager.IsInState(viewstate.StateInitial))

	require.Empty(t, owner.disconnects)
	require.Equal(t, []string{
		"enter Begin", "exit Begin",
		"enter EstablishContext", "exit EstablishContext",
		"enter ConfigureContext", "exit ConfigureContext",
		"enter SpawnEntities", "exit SpawnEntities",
		"enter PostSpawnEntities", "exit PostSpawnEntities",
		"enter InGame", "exit InGame",
		"enter Initial",
	}, owner.events)
}

func TestRandomInterleavingsNeverEnterTwice(t *testing.T) {
	type step int
	const (
		sendLocal step = iota
		ackLocal
		setRemote
		finishLocal
		sendFinish
		ackFinish
		finishRemote
	)

	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 50; run++ {
		owner, manager := readyRecording()
		require.True(t, manager.SetLocalState(viewstate.StateBegin))

		for stage := 0; stage < 10; stage++ {
			state := manager.LocalState()
			done := map[step]bool{}
			enabled := func(s step) bool {
				if done[s] {
					return false
				}
				switch s {
				case sendLocal, setRemote:
					return true
				case ackLocal:
					return done[sendLocal]
				case finishLocal:
					return done[ackLocal] && done[setRemote]
				case sendFinish:
					return done[finishLocal]
				case ackFinish:
					return done[sendFinish]
				case finishRemote:
					return done[ackLocal] && done[setRemote]
				}
				return false
			}

			for len(done) < 7 {
				var candidates []step
				for s := sendLocal; s <= finishRemote; s++ {
					if enabled(s) {
						candidates = append(candidates, s)
					}
				}
				s := candidates[rng.Intn(len(candidates))]
				done[s] = true

				var ok bool
				switch s {
				case sendLocal:
					ok = manager.SendLocalState()
				case ackLocal:
					ok = manager.AckLocalState(true)
				case setRemote:
					ok = manager.SetRemoteState(state)
				case finishLocal:
					ok = manager.FinishLocalState()
				case sendFinish:
					ok = manager.SendFinishLocalState()
				case ackFinish:
					ok = manager.AckFinishLocalState(true)
				case finishRemote:
					ok = manager.FinishRemoteState()
				}
				require.True(t, ok, "run %d stage %s step %d: %s", run, state, s, manager.DisconnectReason())
			}
		}

		require.Empty(t, owner.disconnects)
		require.Len(t, owner.events, 20)
		for i, event := range owner.events {
			if i%2 == 0 {
				require.Regexp(t, "^enter ", event)
			} else {
				require.Equal(t, "exit"+owner.events[i-1][len("enter"):], event)
			}
		}
	}
}

func TestQueries(t *testing.T) {
	_, manager := readyRecording()

	require.True(t, manager.IsInState(viewstate.StateInitial))
	require.True(t, manager.IsBeforeState(viewstate.StateBegin))

	require.True(t, manager.SetLocalState(viewstate.StateBegin))
	for manager.LocalState() != viewstate.StateSpawnEntities {
		enter(t, manager)
		exit(t, manager)
	}
	enter(t, manager)

	require.True(t, manager.IsInState(viewstate.StateSpawnEntities))
	require.Equal(t, viewstate.StateSpawnEntities, manager.CurrentState())
	require.True(t, manager.IsPastOrInState(viewstate.StateSpawnEntities))
	require.True(t, manager.IsPastOrInState(viewstate.StateBegin))
	require.False(t, manager.IsPastOrInState(viewstate.StateInGame))
	require.True(t, manager.IsBeforeState(viewstate.StateInGame))
	require.False(t, manager.IsBeforeState(viewstate.StateSpawnEntities))
}

func TestViolationsDisconnectOnce(t *testing.T) {
	owner, manager := readyMock(t)

	owner.EXPECT().OnNeedToSendStateInformation(false)
	require.True(t, manager.SetLocalState(viewstate.StateBegin))

	owner.EXPECT().OnViewStateDisconnect(gomock.Any()).Times(1)
	require.False(t, manager.SetLocalState(viewstate.StateEstablishContext))
	require.True(t, manager.Dead())
	require.Contains(t, manager.DisconnectReason(), "SetLocalState(EstablishContext)")

	require.False(t, manager.SendLocalState())
	require.False(t, manager.AckFinishLocalState(true))
	require.False(t, manager.SetRemoteState(viewstate.StateBegin))
	require.False(t, manager.FinishRemoteState())
	require.False(t, manager.Verify(false, "later failure"))
	require.Contains(t, manager.DisconnectReason(), "SetLocalState(EstablishContext)")

	_, due := manager.ShouldSendLocalState()
	require.False(t, due)
}

func TestSetLocalStateSkippingAheadDisconnects(t *testing.T) {
	owner, manager := readyRecording()

	require.False(t, manager.SetLocalState(viewstate.StateEstablishContext))
	require.Len(t, owner.disconnects, 1)
	require.Contains(t, owner.disconnects[0], "skips ahead")
	require.Empty(t, owner.announcements)
}

func TestOwnerRefusingEntryDisconnects(t *testing.T) {
	owner, manager := readyRecording()
	owner.refuseEnter = true

	require.True(t, manager.SetLocalState(viewstate.StateBegin))
	require.True(t, manager.SendLocalState())
	require.True(t, manager.AckLocalState(true))
	require.False(t, manager.SetRemoteState(viewstate.StateBegin))

	require.Equal(t, []string{"enter Begin"}, owner.events)
	require.Len(t, owner.disconnects, 1)
	require.Contains(t, owner.disconnects[0], "refused to enter Begin")
}

func TestExitWithoutQueuedStateDisconnects(t *testing.T) {
	owner, manager := readyRecording()
	owner.skipQueue = true

	require.True(t, manager.SetLocalState(viewstate.StateBegin))
	enter(t, manager)

	require.True(t, manager.FinishLocalState())
	require.True(t, manager.SendFinishLocalState())
	require.True(t, manager.AckFinishLocalState(true))
	require.False(t, manager.FinishRemoteState())

	require.Len(t, owner.disconnects, 1)
	require.Contains(t, owner.disconnects[0], "no next local state")
}

func TestRemoteFinishingTwiceDisconnects(t *testing.T) {
	owner, manager := readyRecording()

	require.True(t, manager.SetRemoteState(viewstate.StateBegin))
	require.True(t, manager.FinishRemoteState())
	require.False(t, manager.FinishRemoteState())
	require.Len(t, owner.disconnects, 1)
}

func TestNegativeFinishAckRetriesUrgently(t *testing.T) {
	owner, manager := readyRecording()

	require.True(t, manager.SetLocalState(viewstate.StateBegin))
	enter(t, manager)
	require.True(t, manager.FinishLocalState())
	require.True(t, manager.ShouldSendFinishLocalState())
	require.True(t, manager.SendFinishLocalState())
	require.False(t, manager.ShouldSendFinishLocalState())

	require.True(t, manager.AckFinishLocalState(false))
	require.Equal(t, viewstate.LocalFinishedSet, manager.LocalSubState())
	require.True(t, manager.ShouldSendFinishLocalState())
	require.Equal(t, []bool{false, false, true}, owner.announcements)
}

func TestDumpLockers(t *testing.T) {
	var buf bytes.Buffer
	manager := viewstate.New(slog.New(slog.NewJSONHandler(&buf, nil)), "dump", &recordingOwner{})

	manager.LockStateChanges("loader")
	manager.LockStateChanges(viewstate.WaitStateName(viewstate.StateBegin))
	manager.DumpLockers()

	require.Contains(t, buf.String(), `"lock":"loader"`)
	require.Contains(t, buf.String(), `"lock":"WaitFor_Begin"`)
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "PostSpawnEntities", viewstate.StatePostSpawnEntities.String())
	require.Equal(t, "unknown-state", viewstate.NumStates.String())
	require.Equal(t, "FinishedSent", viewstate.LocalFinishedSent.String())
	require.Equal(t, viewstate.StateInitial, viewstate.NextState(viewstate.StateInGame))
	require.Equal(t, viewstate.StateBegin, viewstate.NextState(viewstate.StateInitial))
	require.Equal(t, "WaitFor_InGame", viewstate.WaitStateName(viewstate.StateInGame))
}
