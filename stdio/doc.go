// Package stdio serves the MCP engine over a single stdin/stdout connection.
//
// Messages are newline-delimited JSON-RPC. The process hosts exactly one
// implicit session: it starts uninitialized, becomes active after a
// successful initialize exchange and ends when the input reaches EOF or the
// context is cancelled. There is no session id, no resumability and no
// event replay; every reply and notification is written straight to the
// output.
//
//	eng := engine.New(tools)
//	h := stdio.NewHandler(eng)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// For remote clients use the streaminghttp transport.
package stdio
