// Package dispatch defines the post-handshake message handling
// collaborator and a reference implementation used by the example server
// and integration tests.
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/coinstash/securerpc/internal/protocol"
)

// Dispatcher receives a decoded Message once a session is established and
// returns the reply Message to send back. Implementations must not block
// indefinitely; ctx is cancelled when the connection closes.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg protocol.Message) (protocol.Message, error)
}

// EchoDispatcher answers Ping with Pong and anything else with an
// ErrorMessage naming the request's Go type (for example
// protocol.ErrorMessage) and a per-request ID, rather than dropping the
// connection, so a single dispatcher can serve both the ping/pong
// scenario and future message types without a protocol-level change.
type EchoDispatcher struct{}

// Dispatch implements Dispatcher.
func (EchoDispatcher) Dispatch(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	requestID := uuid.NewString()

	switch msg.(type) {
	case protocol.Ping:
		return protocol.Pong{}, nil
	default:
		return protocol.ErrorMessage{
			Text: fmt.Sprintf("request %s: unsupported message type %T", requestID, msg),
		}, nil
	}
}
