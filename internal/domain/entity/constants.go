package entity

// Collections in the document store
const (
	CollectionTrips = "trips"
	CollectionUsers = "users"
)

// Trip document fields referenced outside the trip form
const (
	FieldAmount             = "amount"
	FieldDepartDate         = "depart_date"
	FieldStartDate          = "start_date"
	FieldStatusTripDocument = "status_trip_document"
)

// Trip document status values
const (
	TripStatusDraft    = "draft"
	TripStatusApproved = "approved"
)

// Amount availability labels shown on trip listings
const (
	AmountAvailable    = "Amount Available"
	AmountNotAvailable = "Not Available"
)

// Roles carried by authenticated users
const (
	RoleAdmin      = "admin"
	RolePIC        = "pic"
	RoleBOD        = "bod"
	RoleUnassigned = "unassigned"
)

// DefaultEditorRoles may modify allowance inputs
var DefaultEditorRoles = []string{RoleAdmin, RolePIC}
