package history

// State is the synchronization state of one property
type State uint32

const (
	// StateIdle means nothing is outstanding: the property was never sent or was flushed
	StateIdle State = iota
	// StatePendingSend means the last NeedToSync found the property dirty and permitted to send
	StatePendingSend
	// StateSent means the newest memento awaits a transport verdict
	StateSent
	// StateAcked means the newest memento was acknowledged and is the basis
	StateAcked
	// StateLost means the newest memento was negatively acknowledged and must be superseded
	StateLost
)

var stateMapping = map[State]string{
	StateIdle:        "Idle",
	StatePendingSend: "PendingSend",
	StateSent:        "Sent",
	StateAcked:       "Acked",
	StateLost:        "Lost",
}

func (s State) String() string {
	return stateMapping[s]
}

// SendResult is the outcome of Send
type SendResult uint32

const (
	// SendOk means the value was encoded and a memento was appended
	SendOk SendResult = iota
	// SendFailed means the encoder refused the value. Nothing was appended and the caller should try
	// again on a later send opportunity.
	SendFailed
)

var sendResultMapping = map[SendResult]string{
	SendOk:     "SendOk",
	SendFailed: "SendFailed",
}

func (r SendResult) String() string {
	return sendResultMapping[r]
}
