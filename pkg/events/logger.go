package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/storage"
)

// Logger persists events and fans them out to broker subscribers.
// Emission is fire-and-forget: a failed write is logged and dropped,
// never surfaced to the state transition that triggered it.
type Logger struct {
	store  storage.Store
	broker *Broker
}

// NewLogger creates an event logger. The broker may be nil when no
// in-process subscribers are wanted.
func NewLogger(store storage.Store, broker *Broker) *Logger {
	return &Logger{store: store, broker: broker}
}

// Emit records one event.
func (l *Logger) Emit(clusterID string, domain Domain, kind Kind, subjectID, causedBy, message string) {
	event := &Event{
		ID:        uuid.New().String(),
		ClusterID: clusterID,
		Domain:    domain,
		Kind:      kind,
		SubjectID: subjectID,
		CausedBy:  causedBy,
		Message:   message,
		Timestamp: time.Now(),
	}
	if l.broker != nil {
		l.broker.Publish(event)
	}
	if l.store == nil {
		return
	}
	rec := &storage.Event{
		ID:        event.ID,
		ClusterID: clusterID,
		Domain:    string(domain),
		Kind:      string(kind),
		SubjectID: subjectID,
		CausedBy:  causedBy,
		Message:   message,
		Timestamp: event.Timestamp.UnixNano(),
	}
	if err := l.store.PutEvent(rec); err != nil {
		logger := log.WithComponent("events")
		logger.Warn().Err(err).
			Str("kind", string(kind)).
			Str("subject_id", subjectID).
			Msg("failed to persist event")
	}
}
