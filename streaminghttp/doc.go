// Package streaminghttp implements the MCP streamable HTTP transport. It
// mounts as a standard net/http handler at a single endpoint and turns
// independent HTTP calls into resumable, session-oriented MCP streams.
//
// # Endpoint
//
//	POST    one JSON-RPC message or a batch; replies as SSE or JSON
//	GET     opens the session's standalone SSE stream, resuming after Last-Event-ID
//	DELETE  terminates the session
//	OPTIONS CORS preflight
//
// # Session Lifecycle
//
// A POST carrying an initialize request and no Mcp-Session-Id header creates
// a session with a fresh event log. It is registered only once the engine
// reports the handshake as established; the id is returned in the
// Mcp-Session-Id response header. Every later call names that id. Unknown or
// terminated ids are rejected with 400 and are never revived.
//
// # Resumability
//
// Server-initiated messages that are not tied to a POST (log events emitted
// outside an SSE exchange, tools/list_changed broadcasts) are appended to the
// session's event log and carry an SSE id. A client that reconnects with
// Last-Event-ID receives exactly the events it missed. Replies streamed on a
// POST response are not logged and carry no id.
//
// # Bridging
//
// Each call is served through a bridge.Writer: the protocol side writes
// status, headers and SSE frames imperatively while the HTTP side delivers the
// committed response, flushing every chunk. A newer GET for the same session
// closes the older stream's writer, which completes that HTTP response.
//
// # Error Handling
//
// Transport errors are JSON-RPC error bodies with id null (-32000, or -32700
// for unparsable JSON). Engine failures and panics become 500 with -32603.
//
// Example:
//
//	h, err := streaminghttp.New(engine.New(tools), streaminghttp.WithLogger(log))
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
