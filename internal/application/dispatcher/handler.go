package dispatcher

import (
	"context"

	"github.com/garyjia/trip-allowance/internal/domain/event"
)

// Handler processes domain events
type Handler func(ctx context.Context, evt *event.Event) error

// HandlerInfo contains handler metadata for debugging
type HandlerInfo struct {
	Name        string
	Route       string
	Handler     Handler
	Description string
}

// TypeRoute routes every event of the given type
func TypeRoute(t event.Type) string {
	return "type:" + string(t)
}

// TopicRoute routes every event concerning one document
func TopicRoute(collection, documentID string) string {
	return "topic:" + event.Topic(collection, documentID)
}
