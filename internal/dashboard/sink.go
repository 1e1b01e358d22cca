package dashboard

import (
	"github.com/shelfsync/shelfsync/internal/syncer"
)

// EventSink adapts the sync manager's notify hook to dashboard broadcasts.
// Wire it as the manager's Notify function.
func EventSink(s *Server) func(syncer.Event) {
	return func(ev syncer.Event) {
		switch ev.Type {
		case syncer.EventMutationCommitted:
			s.BroadcastData(MessageTypeMutationCommitted, MutationData{
				Entity:         string(ev.Entity),
				EntityID:       ev.EntityID,
				Operation:      string(ev.Operation),
				IdempotencyKey: ev.IdempotencyKey,
			})
		case syncer.EventMutationFailed:
			s.BroadcastData(MessageTypeMutationFailed, MutationData{
				Entity:         string(ev.Entity),
				EntityID:       ev.EntityID,
				Operation:      string(ev.Operation),
				IdempotencyKey: ev.IdempotencyKey,
				Error:          ev.Error,
			})
		case syncer.EventConflictDetected:
			s.BroadcastData(MessageTypeConflictDetected, ConflictData{
				Entity:   string(ev.Entity),
				EntityID: ev.EntityID,
				Fields:   ev.ConflictFields,
			})
		case syncer.EventDrainComplete:
			if ev.Result == nil {
				return
			}
			s.BroadcastData(MessageTypeDrainComplete, DrainCompleteData{
				Attempted:  ev.Result.Attempted,
				Committed:  ev.Result.Committed,
				Conflicted: ev.Result.Conflicted,
				Failed:     ev.Result.Failed,
				Skipped:    ev.Result.Skipped,
			})
		}
	}
}
