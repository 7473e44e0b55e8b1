package event

// Type identifies the type of domain event
type Type string

const (
	TypeDocumentChanged Type = "document.changed"
	TypeDocumentDeleted Type = "document.deleted"
	TypeAmountSaved     Type = "amount.saved"
	TypeFxResolved      Type = "fx.resolved"
	TypeFxFailed        Type = "fx.failed"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeDocumentChanged,
		TypeDocumentDeleted,
		TypeAmountSaved,
		TypeFxResolved,
		TypeFxFailed:
		return true
	default:
		return false
	}
}

// IsDocumentState reports whether events of this type carry a full document snapshot
func (t Type) IsDocumentState() bool {
	return t == TypeDocumentChanged || t == TypeDocumentDeleted
}
