package entity

import (
	"regexp"
	"strconv"
	"time"
)

// Trip is a business-travel assignment record as held by the document store
type Trip struct {
	ID                 string                 `json:"id"`
	Number             string                 `json:"number"`
	AssignedName       string                 `json:"assigned_name"`
	Destination        string                 `json:"assignment_destination"`
	StatusTripDocument string                 `json:"status_trip_document"`
	DepartDate         string                 `json:"depart_date,omitempty"`
	ReturnDate         string                 `json:"return_date,omitempty"`
	Data               map[string]interface{} `json:"-"`
}

// NewTrip builds a Trip view over raw document fields
func NewTrip(id string, data map[string]interface{}) *Trip {
	if data == nil {
		data = map[string]interface{}{}
	}
	t := &Trip{
		ID:                 id,
		Number:             stringField(data, "number"),
		AssignedName:       stringField(data, "assigned_name"),
		Destination:        stringField(data, "assignment_destination"),
		StatusTripDocument: stringField(data, "status_trip_document"),
		DepartDate:         ToISODate(data[FieldDepartDate]),
		ReturnDate:         ToISODate(data["return_date"]),
		Data:               data,
	}
	if t.StatusTripDocument == "" {
		t.StatusTripDocument = TripStatusDraft
	}
	return t
}

// HasAmount reports whether an amount record has ever been written.
// Only the presence of the key matters, not its contents.
func (t *Trip) HasAmount() bool {
	if t == nil || t.Data == nil {
		return false
	}
	_, ok := t.Data[FieldAmount]
	return ok
}

// AmountAvailability returns the dashboard label for the trip
func (t *Trip) AmountAvailability() string {
	if t.HasAmount() {
		return AmountAvailable
	}
	return AmountNotAvailable
}

// Amount returns the raw amount sub-record, or nil
func (t *Trip) Amount() map[string]interface{} {
	if t == nil || t.Data == nil {
		return nil
	}
	m, _ := t.Data[FieldAmount].(map[string]interface{})
	return m
}

// DepartISO returns the departure date as YYYY-MM-DD, falling back to
// start_date. Empty when neither is known.
func (t *Trip) DepartISO() string {
	if t == nil {
		return ""
	}
	if t.DepartDate != "" {
		return t.DepartDate
	}
	return ToISODate(t.Data[FieldStartDate])
}

var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ToISODate normalizes a stored date value into a calendar date string.
// Accepted: time.Time, ISO/RFC3339 strings, and timestamp maps of the form
// {"seconds": n} or {"_seconds": n}. Unknown values yield "".
func ToISODate(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case time.Time:
		if val.IsZero() {
			return ""
		}
		return val.UTC().Format("2006-01-02")
	case *time.Time:
		if val == nil {
			return ""
		}
		return ToISODate(*val)
	case string:
		if isoDatePattern.MatchString(val) {
			return val
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, val); err == nil {
				return parsed.UTC().Format("2006-01-02")
			}
		}
		return ""
	case map[string]interface{}:
		for _, key := range []string{"seconds", "_seconds"} {
			if secs, ok := toInt64(val[key]); ok {
				return time.Unix(secs, 0).UTC().Format("2006-01-02")
			}
		}
		return ""
	default:
		return ""
	}
}

func stringField(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
