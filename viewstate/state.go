package viewstate

// State is one stage of the connection handshake. Stages are strictly ordered and both peers
// traverse them in lockstep.
type State uint32

const (
	StateInitial State = iota
	StateBegin
	StateEstablishContext
	StateConfigureContext
	StateSpawnEntities
	StatePostSpawnEntities
	StateInGame
	NumStates
)

var stateMapping = map[State]string{
	StateInitial:           "Initial",
	StateBegin:             "Begin",
	StateEstablishContext:  "EstablishContext",
	StateConfigureContext:  "ConfigureContext",
	StateSpawnEntities:     "SpawnEntities",
	StatePostSpawnEntities: "PostSpawnEntities",
	StateInGame:            "InGame",
}

func (s State) String() string {
	name, ok := stateMapping[s]
	if !ok {
		return "unknown-state"
	}
	return name
}

// Valid reports whether s names a stage
func (s State) Valid() bool {
	return s < NumStates
}

// NextState returns the stage that follows s. InGame wraps around to Initial.
func NextState(s State) State {
	if s >= StateInGame {
		return StateInitial
	}
	return s + 1
}

// WaitStateName returns the conventional name of the lock that holds back announcements until the
// local work for s is done
func WaitStateName(s State) string {
	return "WaitFor_" + s.String()
}

// LocalSubState tracks the two-phase commit of the local stage: entry is announced, sent and
// acknowledged, then completion is announced, sent and acknowledged
type LocalSubState uint32

const (
	LocalSet LocalSubState = iota
	LocalSent
	LocalAcked
	LocalFinishedSet
	LocalFinishedSent
	LocalFinishedAcked
)

var localSubStateMapping = map[LocalSubState]string{
	LocalSet:           "Set",
	LocalSent:          "Sent",
	LocalAcked:         "Acked",
	LocalFinishedSet:   "FinishedSet",
	LocalFinishedSent:  "FinishedSent",
	LocalFinishedAcked: "FinishedAcked",
}

func (s LocalSubState) String() string {
	return localSubStateMapping[s]
}
