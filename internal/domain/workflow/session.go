package workflow

// NewSessionMachine builds the amount editing lifecycle:
//
//	VIEWING --EDIT--> EDITING --SAVE--> PERSISTING --SAVE_SUCCEEDED--> VIEWING
//	                  EDITING <--SAVE_FAILED-- PERSISTING
//	EDITING --CANCEL--> VIEWING
//
// canSave guards SAVE; a nil guard always passes.
func NewSessionMachine(canSave GuardFunc) StateMachine {
	builder := NewBuilder()

	builder.Configure(StateViewing).
		Permit(TriggerEdit, StateEditing)

	editing := builder.Configure(StateEditing)
	if canSave != nil {
		editing.PermitIf(TriggerSave, StatePersisting, canSave)
	} else {
		editing.Permit(TriggerSave, StatePersisting)
	}
	editing.Permit(TriggerCancel, StateViewing)

	builder.Configure(StatePersisting).
		Permit(TriggerSaveSucceeded, StateViewing).
		Permit(TriggerSaveFailed, StateEditing)

	return builder.Build(StateViewing)
}
