package engine

import (
	"context"

	"github.com/broisnischal/create/internal/jsonrpc"
)

// MessageWriter emits one encoded JSON-RPC message to a peer. Transports
// without a request/response pairing, such as stdio, write every reply and
// notification through one.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

