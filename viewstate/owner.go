package viewstate

//go:generate mockgen -destination mocks/owner.go -package mocks github.com/MergHQ/netsync/viewstate Owner

// Owner is the transport-layer side of a Manager. Callbacks run synchronously and may call back
// into the Manager; ExitState in particular is expected to queue the next local stage with
// SetLocalState.
type Owner interface {
	// EnterState is called once both peers have acknowledged entry into state. Returning false is
	// treated as a protocol violation.
	EnterState(state State) bool
	// ExitState is called once both peers have acknowledged completion of state
	ExitState(state State)
	// OnNeedToSendStateInformation asks the transport to poll ShouldSendLocalState and
	// ShouldSendFinishLocalState. urgent is set for retries after a negative acknowledgement.
	OnNeedToSendStateInformation(urgent bool)
	// OnViewStateDisconnect is called exactly once, on the first protocol violation
	OnViewStateDisconnect(reason string)
}
