package device

import (
	"context"

	"lumentree/pkg/protocol/lumentree/runtime"
)

// Republisher forwards samples of devices whose spec asks for it. Republish
// is called from inside a session and must not block.
type Republisher interface {
	Republish(sample runtime.TelemetrySample)
	Close(ctx context.Context) error
}
