// Package mcp contains the Model Context Protocol data types and constants
// used by this server: the initialize handshake, tools, logging and the
// handful of notifications a scaffolding server exchanges with its clients.
//
// The package is free of transport logic. The streaming HTTP and stdio
// transports marshal these types; the engine builds them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Protocol Versions
//
// NegotiateProtocolVersion picks the version the server answers initialize
// with: the client's requested version when supported, otherwise the latest
// one this server speaks.
package mcp
