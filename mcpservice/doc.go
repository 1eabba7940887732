// Package mcpservice turns typed Go functions into MCP tools.
//
// NewTool reflects the input schema from an argument struct with
// invopop/jsonschema, decodes tools/call arguments into it (rejecting unknown
// fields unless allowed) and hands the handler a ToolResponseWriter for
// composing the result. ToolsContainer owns a set of tools, answers
// tools/list with cursor pagination, dispatches tools/call and signals
// listChanged subscribers whenever the set is replaced.
//
// Handlers reach the client mid-call through the Notifier carried on the
// context: ToolResponseWriter.Log emits notifications/message (filtered by
// the session's logging level) and SendProgress emits notifications/progress
// when the caller supplied a progress token.
package mcpservice
