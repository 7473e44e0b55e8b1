package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is a change to, or an outcome concerning, a single document
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	Collection    string                 `json:"collection"`
	DocumentID    string                 `json:"document_id"`
	Exists        bool                   `json:"exists"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       int64                  `json:"version,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType Type, collection, documentID string, data map[string]interface{}) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Collection: collection,
		DocumentID: documentID,
		Exists:     eventType != TypeDocumentDeleted,
		Data:       data,
		Timestamp:  time.Now(),
	}
}

// NewDocumentChanged records the full state of a document after a write.
// version is the store's write counter for the document; zero means the
// store does not order its writes.
func NewDocumentChanged(collection, documentID string, data map[string]interface{}, at time.Time, version int64) *Event {
	evt := NewEvent(TypeDocumentChanged, collection, documentID, data)
	if !at.IsZero() {
		evt.Timestamp = at
	}
	evt.Version = version
	return evt
}

// NewDocumentDeleted records that a document no longer exists
func NewDocumentDeleted(collection, documentID string) *Event {
	return NewEvent(TypeDocumentDeleted, collection, documentID, nil)
}

// Topic returns the routing key of the document the event concerns
func (e *Event) Topic() string {
	return Topic(e.Collection, e.DocumentID)
}

// Topic builds the routing key for a document
func Topic(collection, documentID string) string {
	return collection + "/" + documentID
}

// WithCorrelation returns a copy of the event linked to a correlation chain
func (e *Event) WithCorrelation(correlationID string) *Event {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// WithData returns a copy of the event with an added data key-value pair
func (e *Event) WithData(key string, value interface{}) *Event {
	data := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value

	c := *e
	c.Data = data
	return &c
}

// GetString retrieves a string value from the event data
func (e *Event) GetString(key string) string {
	if val, ok := e.Data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// GetFloat retrieves a float64 value from the event data
func (e *Event) GetFloat(key string) float64 {
	if val, ok := e.Data[key]; ok {
		switch v := val.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return 0.0
}
