package workflow

// State represents a stage of an amount editing session
type State string

const (
	StateViewing    State = "VIEWING"
	StateEditing    State = "EDITING"
	StatePersisting State = "PERSISTING"
)

var validStates = map[State]bool{
	StateViewing:    true,
	StateEditing:    true,
	StatePersisting: true,
}

// IsBusy returns true while a save is in flight
func (s State) IsBusy() bool {
	return s == StatePersisting
}

// HoldsLocalEdits returns true when the session owns unsaved form state.
// Remote document updates must not replace the form in these states.
func (s State) HoldsLocalEdits() bool {
	return s == StateEditing || s == StatePersisting
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a valid session state
func (s State) IsValid() bool {
	return validStates[s]
}
