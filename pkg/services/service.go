package services

import (
	"context"
	"sync"

	"github.com/caravel-ai/caravel/pkg/models"
)

// EventSink receives lifecycle events after the transaction that produced
// them commits. The dispatcher implements it; services never call
// destinations directly, so a delivery failure cannot reach back into the
// business transaction.
type EventSink interface {
	Emit(ctx context.Context, event models.Event)
}

// NoopSink drops events. Constructors fall back to it when no sink is
// given, so emissions are never a nil check at the call site.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, models.Event) {}

// CollectSink buffers events for assertions. Safe for concurrent emitters.
type CollectSink struct {
	mu     sync.Mutex
	Events []models.Event
}

func (s *CollectSink) Emit(_ context.Context, event models.Event) {
	s.mu.Lock()
	s.Events = append(s.Events, event)
	s.mu.Unlock()
}

// Actor identifies who performed a mutation, for audit rows and event
// payloads. Exactly one of UserID/AgentID is set for authenticated
// callers; both nil means the system itself.
type Actor struct {
	Name    string
	UserID  *int64
	AgentID *int64
}

// SystemActor is the actor for internally triggered mutations.
func SystemActor() Actor { return Actor{Name: "system"} }
