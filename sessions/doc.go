// Package sessions holds the per-client protocol state that survives across
// independent HTTP exchanges.
//
// A Session moves through three states:
//
//	initializing -> active -> closed
//
// It owns exactly one eventlog.Log and at most one live stream binding. Every
// message sent on the session's behalf is appended to the log before it is
// written to the binding, so a client that reconnects with Last-Event-ID can
// catch up on whatever it missed. Attaching a new stream supersedes the
// previous binding, which is closed so its HTTP call completes.
//
// Registry maps session ids to live sessions. Ids that have been closed are
// remembered in a bounded tombstone cache and can never be registered again.
package sessions
