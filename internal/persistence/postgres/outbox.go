package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Event types recorded in the outbox alongside domain writes.
const (
	EventTypeEventPublished       = "participant.event_published"
	EventTypeActivityStateChanged = "activity.state_changed"
)

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	EventTypeEventPublished: {
		Topic:         "participant_events",
		SchemaSubject: "participant_events-value",
	},
	EventTypeActivityStateChanged: {
		Topic:         "activity_state_changed",
		SchemaSubject: "activity_state_changed-value",
	},
}

// insertOutbox records an event in the outbox inside the caller's
// transaction, so delivery is atomic with the domain write.
func insertOutbox(ctx context.Context, tx pgx.Tx, eventType, aggregateID, partitionKey, dedupeKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		partitionKey,
		body,
		dedupeKey,
	)
	return err
}
