package netproc

import "context"

// ProcessingResult carries the outcome of a read or write hook: the
// (possibly rewritten) payload and whether it differs from the input.
type ProcessingResult struct {
	Data     []byte
	Modified bool
}

// Hooks is the user-supplied callback set for an L4 network callout.
type Hooks interface {
	// OnReadData processes a client->server frame.
	OnReadData(ctx context.Context, data []byte, endOfStream bool) (ProcessingResult, error)
	// OnWriteData processes a server->client frame.
	OnWriteData(ctx context.Context, data []byte, endOfStream bool) (ProcessingResult, error)
	// ShouldCloseConnection decides whether the connection should be torn
	// down after processing the given frame.
	ShouldCloseConnection(ctx context.Context, data []byte, modified bool) bool
}

// BaseHooks implements Hooks with pass-through defaults: frames are
// forwarded unmodified and the connection is never closed.
type BaseHooks struct{}

func (BaseHooks) OnReadData(_ context.Context, data []byte, _ bool) (ProcessingResult, error) {
	return ProcessingResult{Data: data, Modified: false}, nil
}

func (BaseHooks) OnWriteData(_ context.Context, data []byte, _ bool) (ProcessingResult, error) {
	return ProcessingResult{Data: data, Modified: false}, nil
}

func (BaseHooks) ShouldCloseConnection(context.Context, []byte, bool) bool {
	return false
}

var _ Hooks = BaseHooks{}
