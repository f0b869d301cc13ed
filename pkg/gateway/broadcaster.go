package gateway

import (
	"encoding/json"
	"sync/atomic"

	"github.com/harun/runcore/pkg/runevents"
	"github.com/rs/zerolog"
)

// EventBroadcaster forwards run events to matching /events clients.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

var _ runevents.Broadcaster = (*EventBroadcaster)(nil)

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Publish implements runevents.Broadcaster. It never blocks on a client.
func (b *EventBroadcaster) Publish(event runevents.Event) {
	msg := EventMessage{
		Type:      "event",
		Event:     string(event.Type),
		Seq:       b.seq.Add(1),
		Data:      event.Payload,
		Timestamp: event.Timestamp.UnixMilli(),
		RunID:     event.RunID,
		SessionID: event.SessionID,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Subscribers(event.RunID, event.SessionID)
	if len(clients) == 0 {
		return
	}

	delivered, dropped := 0, 0
	for _, client := range clients {
		switch client.enqueue(data) {
		case enqueued:
			delivered++
		case bufferFull:
			dropped++
			b.logger.Warn().
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Client send buffer full, dropping event")
		case clientClosed:
			// disconnected after the snapshot
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Int("dropped", dropped).
		Msg("Event broadcast complete")
}
