package workflow

// Trigger represents an event that can cause a state transition
type Trigger string

const (
	TriggerEdit          Trigger = "EDIT"
	TriggerSave          Trigger = "SAVE"
	TriggerSaveSucceeded Trigger = "SAVE_SUCCEEDED"
	TriggerSaveFailed    Trigger = "SAVE_FAILED"
	TriggerCancel        Trigger = "CANCEL"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}
