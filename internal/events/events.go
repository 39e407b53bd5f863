// Package events publishes ledger movements to a Redis stream.
package events

import "time"

const (
	MovementRecorded = "movement.recorded"

	DefaultStream = "ledger.movements"
)

type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type MovementRecordedEvent struct {
	MovementID         string    `json:"movement_id"`
	Type               string    `json:"type"`
	Amount             string    `json:"amount"`
	SourceAccount      string    `json:"source_account,omitempty"`
	DestinationAccount string    `json:"destination_account,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}
