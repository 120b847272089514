package protocol

import (
	"context"
	"encoding/json"
)

// Transport delivers an RPC envelope to a worker or manager address
// and returns the raw JSON response. Implementations may short-circuit
// localhost delivery to the in-process dispatcher.
type Transport interface {
	Send(ctx context.Context, addr string, env Envelope) (json.RawMessage, error)
}
