// Package events carries domain events out of the database through a
// transactional outbox and relays them to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dealflow/db"
)

// Outbox topics.
const (
	TopicRevisionAppended   = "deal.revision_appended"
	TopicClientInvited      = "client.invited"
	TopicInvitationAccepted = "client.invitation_accepted"
	TopicDocumentAccessed   = "document.accessed"
)

// Message is one outbox row handed to a Publisher.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Publisher delivers outbox messages downstream.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Enqueue writes an outbox row inside the caller's transaction so the event
// commits or rolls back with the state change it describes.
func Enqueue(ctx context.Context, q db.Querier, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}
	const insertSQL = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := q.Exec(ctx, insertSQL, topic, string(body)); err != nil {
		return fmt.Errorf("events: enqueue outbox: %w", err)
	}
	return nil
}
