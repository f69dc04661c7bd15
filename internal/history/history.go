// Package history exports supervisor lifecycle events to external analytics
// systems. Sinks are best-effort and never sit on the control path.
package history

import (
	"context"

	"github.com/loykin/sentinel/internal/workload"
)

// Sink is a destination for lifecycle events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e workload.Event) error
	Close() error
}
