package ledger

import "context"

// Synchronizable entity types published on change events.
const (
	EntityCustomer = "customer"
	EntityInvoice  = "invoice"
	EntityPayment  = "payment"
)

// EventSink receives change notifications for entities that need pushing to
// the external financial ledger. Every invoice or payment transition marks
// the entity dirty for the next sync pass. Sink failures never fail the
// originating mutation.
type EventSink interface {
	EntityChanged(ctx context.Context, entityType, entityID string)
}

// NopSink discards change events. Used in tests and in tools that run
// without a reconciler.
type NopSink struct{}

// EntityChanged implements EventSink.
func (NopSink) EntityChanged(context.Context, string, string) {}

// SinkFunc adapts a function to the EventSink interface. Lets binaries wire
// the service to a reconciler that itself reads through the service.
type SinkFunc func(ctx context.Context, entityType, entityID string)

// EntityChanged implements EventSink.
func (f SinkFunc) EntityChanged(ctx context.Context, entityType, entityID string) {
	f(ctx, entityType, entityID)
}
