package syncer

import "github.com/shelfsync/shelfsync/internal/entity"

// EventType identifies a sync engine event.
type EventType string

const (
	// EventMutationCommitted fires when a queued mutation is accepted by
	// the server and removed from the queue.
	EventMutationCommitted EventType = "mutation_committed"
	// EventConflictDetected fires when a queued update diverges from the
	// server's current version.
	EventConflictDetected EventType = "conflict_detected"
	// EventMutationFailed fires when a drain attempt fails transiently.
	EventMutationFailed EventType = "mutation_failed"
	// EventDrainComplete fires at the end of every ProcessQueue run.
	EventDrainComplete EventType = "drain_complete"
)

// Event describes one sync engine occurrence, delivered to the configured
// notify hook (the dashboard broadcaster, in the CLI wiring).
type Event struct {
	Type           EventType
	Entity         entity.Kind
	EntityID       string
	Operation      entity.Operation
	IdempotencyKey string
	ConflictFields []string
	Error          string
	Result         *Result
}
